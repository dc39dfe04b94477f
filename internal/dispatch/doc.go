// Package dispatch admits job submissions and calls the external worker at
// most once per logical request.
//
// Gate.Submit runs one submission attempt through the idempotency store:
//
//	validate / rate limit      rejections never touch the store
//	TryBegin                   exactly one concurrent caller wins
//	  won      -> create Pending session -> call worker -> Complete(jobId)
//	  recorded -> duplicate (job id known) or processing (still pending)
//	  same payload under another key -> processing
//
// Only the winner calls the worker, and no store lock is held while it is in
// flight. A worker failure marks the record failed so the key can be retried.
// A successful call is followed by the completion write, retried with
// exponential backoff on a context detached from the caller; if it still
// fails the job id is logged with alarm=true.
package dispatch
