package valkey

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestConnect_Schemes(t *testing.T) {
	t.Parallel()

	for _, scheme := range []string{"valkey", "VALKEY", "redis"} {
		t.Run(scheme, func(t *testing.T) {
			t.Parallel()
			mr := miniredis.RunT(t)

			client, err := Connect(context.Background(), scheme+"://"+mr.Addr(), 5*time.Second)
			if err != nil {
				t.Fatalf("Connect() error = %v", err)
			}
			defer func() { _ = client.Close() }()

			if err := Ping(context.Background(), client); err != nil {
				t.Errorf("Ping() error = %v", err)
			}
		})
	}
}

func TestConnect_InvalidURL(t *testing.T) {
	t.Parallel()

	if _, err := Connect(context.Background(), "://missing-scheme", 5*time.Second); err == nil {
		t.Fatal("Connect() expected error for invalid URL, got nil")
	}
}

func TestConnect_UnsupportedScheme(t *testing.T) {
	t.Parallel()

	if _, err := Connect(context.Background(), "http://localhost:6379", 5*time.Second); err == nil {
		t.Fatal("Connect() expected error for http scheme, got nil")
	}
}

func TestPing_ServerGone(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), "redis://"+mr.Addr(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer func() { _ = client.Close() }()

	mr.Close()
	if err := Ping(context.Background(), client); err == nil {
		t.Error("Ping() expected error after the server closed, got nil")
	}
}
