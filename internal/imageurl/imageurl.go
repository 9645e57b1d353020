// Package imageurl classifies candidate image URLs before they are persisted and recovers identifiers from object
// storage URLs.
package imageurl

import (
	"net"
	"net/url"
	"strings"
)

// PublicObjectPrefix is the path prefix under which the storage backend serves public objects. The segment after it
// is the bucket name, followed by the object key.
const PublicObjectPrefix = "/storage/v1/object/public/"

// Messages reported by Classify.
const (
	MsgEphemeral = "Temporary preview URLs (blob: or data:) cannot be saved; upload the image first"
	MsgLocalHost = "URL points at a local or private address that is not reachable outside the developer's machine"
	MsgMalformed = "URL is not a valid absolute URL"
	MsgInsecure  = "External image URLs must use https"
	MsgExternal  = "External URL; availability is not guaranteed"
)

// Result is the outcome of classifying a URL. Error is set only when Valid is false. Warning may accompany a valid
// result.
type Result struct {
	Valid   bool   `json:"valid"`
	Error   string `json:"error,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// Classifier decides whether an image URL may be persisted. The zero value recognises no storage hosts, so every
// https URL is accepted with a warning.
type Classifier struct {
	storageHosts []string
}

// NewClassifier creates a classifier that treats the given hosts as the remote storage domain. An entry with a leading
// dot (".supabase.co") matches any subdomain; other entries match the host itself and its subdomains.
func NewClassifier(storageHosts ...string) *Classifier {
	hosts := make([]string, 0, len(storageHosts))
	for _, h := range storageHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}
	return &Classifier{storageHosts: hosts}
}

// Classify applies the rules in order: absence is valid, blob: and data: URLs are rejected, loopback and private hosts
// are rejected, storage hosts are accepted, and any other https host is accepted with a warning. An empty string is
// treated as the absence of an image.
func (c *Classifier) Classify(raw string) Result {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Result{Valid: true}
	}

	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "blob:") || strings.HasPrefix(lower, "data:") {
		return Result{Error: MsgEphemeral}
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Result{Error: MsgMalformed}
	}

	host := strings.ToLower(u.Hostname())
	if isLocalHost(host) {
		return Result{Error: MsgLocalHost}
	}
	if c.isStorageHost(host) {
		return Result{Valid: true}
	}
	if strings.EqualFold(u.Scheme, "https") {
		return Result{Valid: true, Warning: MsgExternal}
	}
	return Result{Error: MsgInsecure}
}

// IsStorageURL reports whether raw is an absolute URL on one of the storage hosts.
func (c *Classifier) IsStorageURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	return c.isStorageHost(strings.ToLower(u.Hostname()))
}

func (c *Classifier) isStorageHost(host string) bool {
	for _, pattern := range c.storageHosts {
		if strings.HasPrefix(pattern, ".") {
			if strings.HasSuffix(host, pattern) {
				return true
			}
			continue
		}
		if host == pattern || strings.HasSuffix(host, "."+pattern) {
			return true
		}
	}
	return false
}

// isLocalHost reports whether host names the local machine or a private network address.
func isLocalHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsLinkLocalUnicast()
}

// Object identifies a stored object recovered from its public URL.
type Object struct {
	Bucket  string
	Key     string // Object key within the bucket, e.g. "<owner>/<file>".
	OwnerID string // First key segment when the key has at least two segments.
}

// ParseObjectURL recovers the bucket, key, and owning-resource id from a public storage URL of the form
// https://host/storage/v1/object/public/<bucket>/<owner>/<file>. It returns false when the URL does not have that
// shape; a mismatch is not an error.
func ParseObjectURL(raw string) (Object, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return Object{}, false
	}

	i := strings.Index(u.Path, PublicObjectPrefix)
	if i == -1 {
		return Object{}, false
	}
	rest := u.Path[i+len(PublicObjectPrefix):]

	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return Object{}, false
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return Object{}, false
		}
	}

	obj := Object{Bucket: bucket, Key: key}
	if owner, _, found := strings.Cut(key, "/"); found {
		obj.OwnerID = owner
	}
	return obj, true
}

// ExtractOwnerID returns the owning-resource id embedded in a storage URL's path, or false when the URL does not
// match the expected shape.
func ExtractOwnerID(raw string) (string, bool) {
	obj, ok := ParseObjectURL(raw)
	if !ok || obj.OwnerID == "" {
		return "", false
	}
	return obj.OwnerID, true
}
