// Package transfer drives durable source-to-object-store transfers.
//
// A transfer streams an HTTP(S) source into an object-store upload in
// bounded chunks. After every chunk the destination acknowledges, the
// progress record is persisted whole; a crash or retry at any point
// resumes from the last acknowledged chunk instead of starting over.
// State never claims progress the destination has not confirmed.
//
// # Resumption
//
// On re-invocation the recorded state decides: completed transfers
// return their result without touching source or destination, failed
// transfers refuse to run until forced, in-progress transfers reopen
// the destination upload from the resume token and the source from the
// byte cursor. Sources that stop honoring range requests are re-read
// from the beginning with already-committed bytes discarded, guarded by
// the recorded content validator; without a validator the transfer
// restarts both sides rather than risk mixing two source versions.
//
// # Failure classification
//
// Every failure carries a Kind. Retryable kinds (unreachable source or
// destination, unavailable state store) leave resumable state behind
// and are safe to re-invoke. Fatal kinds (missing source, denied
// destination, changed content, corrupted state) abort the upload,
// retire the record as failed, and stick until the caller forces a
// restart.
package transfer
