package imageurl

import "testing"

func TestClassify(t *testing.T) {
	t.Parallel()

	c := NewClassifier(".supabase.co", "media.example.com")

	tests := []struct {
		name        string
		url         string
		wantValid   bool
		wantError   string
		wantWarning string
	}{
		{"absent", "", true, "", ""},
		{"whitespace only", "   ", true, "", ""},
		{"blob preview", "blob:https://x/1", false, MsgEphemeral, ""},
		{"blob uppercase", "BLOB:https://x/1", false, MsgEphemeral, ""},
		{"data uri", "data:image/png;base64,iVBORw0KGgo=", false, MsgEphemeral, ""},
		{"localhost", "http://localhost:3000/a.jpg", false, MsgLocalHost, ""},
		{"localhost subdomain", "https://shop.localhost/a.jpg", false, MsgLocalHost, ""},
		{"loopback v4", "http://127.0.0.1/a.jpg", false, MsgLocalHost, ""},
		{"loopback v6", "http://[::1]:8080/a.jpg", false, MsgLocalHost, ""},
		{"private range", "https://192.168.1.20/a.jpg", false, MsgLocalHost, ""},
		{"unspecified", "http://0.0.0.0/a.jpg", false, MsgLocalHost, ""},
		{"mdns host", "https://printer.local/a.jpg", false, MsgLocalHost, ""},
		{"storage domain", "https://abcd.supabase.co/storage/v1/object/public/products/a.webp", true, "", ""},
		{"configured storage host", "https://media.example.com/storage/v1/object/public/products/p/a.webp", true, "", ""},
		{"external https", "https://example.com/a.jpg", true, "", MsgExternal},
		{"lookalike storage host", "https://supabase.co.evil.com/a.jpg", true, "", MsgExternal},
		{"external http", "http://example.com/a.jpg", false, MsgInsecure, ""},
		{"relative path", "/images/a.jpg", false, MsgMalformed, ""},
		{"garbage", "://nope", false, MsgMalformed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := c.Classify(tt.url)
			if got.Valid != tt.wantValid {
				t.Errorf("Classify(%q).Valid = %v, want %v", tt.url, got.Valid, tt.wantValid)
			}
			if got.Error != tt.wantError {
				t.Errorf("Classify(%q).Error = %q, want %q", tt.url, got.Error, tt.wantError)
			}
			if got.Warning != tt.wantWarning {
				t.Errorf("Classify(%q).Warning = %q, want %q", tt.url, got.Warning, tt.wantWarning)
			}
		})
	}
}

func TestClassifyZeroValueWarnsOnEveryHTTPSHost(t *testing.T) {
	t.Parallel()

	var c Classifier
	got := c.Classify("https://abcd.supabase.co/storage/v1/object/public/products/a.webp")
	if !got.Valid || got.Warning != MsgExternal {
		t.Errorf("Classify() = %+v, want valid with external warning", got)
	}
}

func TestIsStorageURL(t *testing.T) {
	t.Parallel()

	c := NewClassifier(" .Supabase.co ")
	if !c.IsStorageURL("https://x.supabase.co/storage/v1/object/public/products/a.png") {
		t.Error("IsStorageURL() = false for storage host")
	}
	if c.IsStorageURL("https://example.com/a.png") {
		t.Error("IsStorageURL() = true for external host")
	}
	if c.IsStorageURL("not a url") {
		t.Error("IsStorageURL() = true for malformed input")
	}
}

func TestParseObjectURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		url    string
		want   Object
		wantOK bool
	}{
		{
			name:   "owner and file",
			url:    "https://x.supabase.co/storage/v1/object/public/products/7f1c/gallery-1.webp",
			want:   Object{Bucket: "products", Key: "7f1c/gallery-1.webp", OwnerID: "7f1c"},
			wantOK: true,
		},
		{
			name:   "base path before prefix",
			url:    "https://cdn.example.com/shop/storage/v1/object/public/products/p1/a.jpg",
			want:   Object{Bucket: "products", Key: "p1/a.jpg", OwnerID: "p1"},
			wantOK: true,
		},
		{
			name:   "file at bucket root has no owner",
			url:    "https://x.supabase.co/storage/v1/object/public/products/a.webp",
			want:   Object{Bucket: "products", Key: "a.webp"},
			wantOK: true,
		},
		{name: "wrong prefix", url: "https://x.supabase.co/storage/v1/object/sign/products/p/a.webp"},
		{name: "bucket only", url: "https://x.supabase.co/storage/v1/object/public/products/"},
		{name: "traversal", url: "https://x.supabase.co/storage/v1/object/public/products/../secret"},
		{name: "relative", url: "/storage/v1/object/public/products/p/a.webp"},
		{name: "blob", url: "blob:https://x/1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := ParseObjectURL(tt.url)
			if ok != tt.wantOK {
				t.Fatalf("ParseObjectURL(%q) ok = %v, want %v", tt.url, ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("ParseObjectURL(%q) = %+v, want %+v", tt.url, got, tt.want)
			}
		})
	}
}

func TestExtractOwnerID(t *testing.T) {
	t.Parallel()

	id, ok := ExtractOwnerID("https://x.supabase.co/storage/v1/object/public/products/42/cover.jpg")
	if !ok || id != "42" {
		t.Errorf("ExtractOwnerID() = (%q, %v), want (\"42\", true)", id, ok)
	}

	if id, ok := ExtractOwnerID("https://x.supabase.co/storage/v1/object/public/products/cover.jpg"); ok {
		t.Errorf("ExtractOwnerID() = (%q, true) for key without owner, want false", id)
	}
	if _, ok := ExtractOwnerID("https://example.com/a.jpg"); ok {
		t.Error("ExtractOwnerID() ok = true for external URL")
	}
}
