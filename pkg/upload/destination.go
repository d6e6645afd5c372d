package upload

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Destination is a parsed object-store location. For bucket-style
// schemes Bucket is the bucket or container name and Key the object
// key; for file it is the directory and the entry under it. Key may be
// empty or end with "/" until the caller resolves a final object name.
type Destination struct {
	Scheme string
	Bucket string
	Key    string
	Params url.Values
}

// ParseDestination splits a destination URL into its parts. It checks
// shape only; whether the scheme has a registered backend is the
// registry's concern.
func ParseDestination(raw string) (Destination, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Destination{}, fmt.Errorf("parse destination: %w", err)
	}
	if u.Scheme == "" {
		return Destination{}, fmt.Errorf("destination %q has no scheme", raw)
	}

	d := Destination{
		Scheme: strings.ToLower(u.Scheme),
		Params: u.Query(),
	}

	if d.Scheme == "file" {
		if u.Host != "" && u.Host != "localhost" {
			return Destination{}, fmt.Errorf("file destination %q names a remote host", raw)
		}
		dir, key := path.Split(u.Path)
		dir = strings.TrimSuffix(dir, "/")
		if dir == "" {
			return Destination{}, fmt.Errorf("file destination %q has no directory", raw)
		}
		d.Bucket = dir
		d.Key = key
		if strings.HasSuffix(u.Path, "/") {
			d.Bucket = strings.TrimSuffix(u.Path, "/")
			d.Key = ""
		}
		return d, nil
	}

	if u.Host == "" {
		return Destination{}, fmt.Errorf("destination %q has no bucket", raw)
	}
	d.Bucket = u.Host
	d.Key = strings.TrimPrefix(u.Path, "/")
	return d, nil
}

// String renders the canonical location without query parameters.
func (d Destination) String() string {
	if d.Scheme == "file" {
		return "file://" + path.Join(d.Bucket, d.Key)
	}
	s := d.Scheme + "://" + d.Bucket
	if d.Key != "" {
		s += "/" + d.Key
	}
	return s
}

// WithKey returns a copy of d pointing at key.
func (d Destination) WithKey(key string) Destination {
	d.Key = key
	return d
}

// URL renders the full destination URL including query parameters, so
// it survives a round trip through ParseDestination.
func (d Destination) URL() string {
	u := url.URL{Scheme: d.Scheme, Host: d.Bucket, RawQuery: d.Params.Encode()}
	if d.Scheme == "file" {
		u.Host = ""
		u.Path = d.Bucket
		if d.Key != "" {
			u.Path += "/" + d.Key
		}
		return u.String()
	}
	if d.Key != "" {
		u.Path = "/" + d.Key
	}
	return u.String()
}

// BucketURL rebuilds the gocloud-style bucket URL (scheme, bucket and
// query, no key) used by drivers that open buckets from URLs.
func (d Destination) BucketURL() string {
	u := url.URL{Scheme: d.Scheme, Host: d.Bucket, RawQuery: d.Params.Encode()}
	if d.Scheme == "file" {
		u.Host = ""
		u.Path = d.Bucket
	}
	return u.String()
}
