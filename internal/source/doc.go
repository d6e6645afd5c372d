// Package source opens byte streams from remote HTTP(S) resources.
//
// This package handles:
//   - Connection pooling across concurrent transfers
//   - Range requests to reopen a stream at a byte offset
//   - Retry with exponential backoff while opening
//   - Strong validator (ETag) and filename extraction
//
// # Usage
//
//	client := source.NewClient(source.DefaultOptions())
//
//	stream, err := client.Open(ctx, url, 0, source.RequestOptions{})
//	defer stream.Body.Close()
//	// stream.Size, stream.ETag, stream.ContentType, stream.Filename
//
//	// Reopen at an offset after an interruption
//	stream, err = client.Open(ctx, url, offset, source.RequestOptions{})
//
// A server that answers a ranged Open with 200 and no Content-Range
// does not support resumption; Open reports ErrRangeNotSupported and
// the caller decides whether to restart from the beginning. Weak ETags
// are not usable as change detectors across attempts, so Stream.ETag
// carries strong validators only.
package source
