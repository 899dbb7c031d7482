package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/qiminjie89/dmrelay/internal/protocol"
)

func TestGenerateMsToken(t *testing.T) {
	token := GenerateMsToken()
	if len(token) != 107 {
		t.Fatalf("len = %d, want 107", len(token))
	}
	for _, c := range token {
		if !strings.ContainsRune(msTokenAlphabet, c) {
			t.Fatalf("unexpected char %q", c)
		}
	}
	if GenerateMsToken() == token {
		t.Error("two tokens should not collide")
	}
}

func TestSessionTokenCached(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.SetCookie(w, &http.Cookie{Name: "ttwid", Value: "tok-1"})
	}))
	defer srv.Close()

	r := NewResolver(srv.URL+"/", "test-agent")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := r.SessionToken(ctx)
		if err != nil {
			t.Fatalf("SessionToken: %v", err)
		}
		if got != "tok-1" {
			t.Fatalf("ttwid = %q, want tok-1", got)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("landing page fetched %d times, want 1 (cached)", n)
	}
}

func TestSessionTokenMissingCookieRetries(t *testing.T) {
	var serveCookie atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if serveCookie.Load() {
			http.SetCookie(w, &http.Cookie{Name: "ttwid", Value: "tok-2"})
		}
	}))
	defer srv.Close()

	r := NewResolver(srv.URL+"/", "test-agent")
	ctx := context.Background()

	if _, err := r.SessionToken(ctx); !errors.Is(err, protocol.ErrHandshake) {
		t.Fatalf("err = %v, want ErrHandshake", err)
	}

	// 失败不缓存，下次调用重新请求
	serveCookie.Store(true)
	got, err := r.SessionToken(ctx)
	if err != nil {
		t.Fatalf("SessionToken after retry: %v", err)
	}
	if got != "tok-2" {
		t.Errorf("ttwid = %q, want tok-2", got)
	}
}

func TestRoomID(t *testing.T) {
	var pageCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "ttwid", Value: "tok"})
	})
	mux.HandleFunc("/{live_id}", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&pageCalls, 1)
		cookie := r.Header.Get("Cookie")
		if !strings.Contains(cookie, "ttwid=tok") || !strings.Contains(cookie, "msToken=") {
			t.Errorf("room page cookie missing fields: %s", cookie)
		}
		w.Write([]byte(`<script>{"roomStore":{"roomId\":\"261378947940\"}}</script>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := NewResolver(srv.URL+"/", "test-agent")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := r.RoomID(ctx, "7777")
		if err != nil {
			t.Fatalf("RoomID: %v", err)
		}
		if got != "261378947940" {
			t.Fatalf("roomID = %q, want 261378947940", got)
		}
	}
	if n := atomic.LoadInt32(&pageCalls); n != 1 {
		t.Errorf("room page fetched %d times, want 1 (cached)", n)
	}
}

func TestRoomIDNoMatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "ttwid", Value: "tok"})
	})
	mux.HandleFunc("/{live_id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>nothing here</html>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := NewResolver(srv.URL+"/", "test-agent")
	if _, err := r.RoomID(context.Background(), "7777"); !errors.Is(err, protocol.ErrHandshake) {
		t.Errorf("err = %v, want ErrHandshake", err)
	}
}
