// Package upload abstracts resumable object-store uploads behind a
// part-oriented session interface.
//
// A Backend turns a parsed Destination into a Session that accepts
// sequential parts and commits them as one object. Sessions hand out a
// Token after each write; a Token persisted by the caller is enough to
// Reopen the upload later and continue from the part after the last
// recorded one. Nothing is visible at the destination key until
// Complete.
//
// # Usage
//
//	dest, err := upload.ParseDestination("s3://backups/2024/archive.tar.gz")
//	sess, err := backend.Initiate(ctx, dest, upload.InitOptions{ContentType: "application/gzip"})
//	part, err := sess.WritePart(ctx, 1, chunk, chunkLen)
//	// persist sess.Token() ...
//	err = sess.Complete(ctx)
//
// # Backends
//
// Two implementations live in subpackages: s3store drives native S3
// multipart uploads, blobstore stages parts as individual objects for
// stores without a multipart API. A Registry maps URL schemes to
// backends so callers can route destinations without knowing either.
package upload
