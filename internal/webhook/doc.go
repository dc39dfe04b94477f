// Package webhook receives lifecycle callbacks from the external worker and
// feeds them to the session registry.
//
// # Security Model
//
//   - Every request must carry the pre-shared secret in the configured header
//     (X-Webhook-Secret by default), compared with crypto/subtle
//   - Optionally, an HMAC-SHA256 signature of the body in a second header
//   - Body size limits enforced before any parsing
//   - Rejections are a generic 403 and never reach the registry
//   - Request logging excludes payloads
//
// # Request Flow
//
//  1. HTTP POST arrives at the configured path
//  2. Body size checked (413 if too large)
//  3. Shared secret verified (403 if missing or wrong)
//  4. HMAC signature verified when signature_header is set (403 on mismatch)
//  5. Body decoded into a tagged session.Event (400 if malformed)
//  6. Unknown event kinds are logged and answered 202 "ignored"
//  7. Event applied to the registry; 202 with the resulting session status
//
// A 500 means the registry write failed and the worker should redeliver.
// Redelivery is safe: every field update is monotonic or forward-only.
package webhook
