package apihttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"reviewstream/internal/app"
)

type fakeSettingsStore struct {
	stored *app.TranscodeSettings
	err    error

	lastSet *app.TranscodeSettings
}

func (f *fakeSettingsStore) Get(_ context.Context) (app.TranscodeSettings, bool, error) {
	if f.err != nil {
		return app.TranscodeSettings{}, false, f.err
	}
	if f.stored == nil {
		return app.TranscodeSettings{}, false, nil
	}
	return *f.stored, true, nil
}

func (f *fakeSettingsStore) Set(_ context.Context, settings app.TranscodeSettings) error {
	if f.err != nil {
		return f.err
	}
	f.lastSet = &settings
	f.stored = &settings
	return nil
}

func TestGetTranscodeSettings_NotConfigured(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/settings/transcode", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetTranscodeSettings_DefaultsWhenEmpty(t *testing.T) {
	store := &fakeSettingsStore{}
	s := newTestServer(t, WithTranscodeSettings(store))

	req := httptest.NewRequest(http.MethodGet, "/settings/transcode", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got app.TranscodeSettings
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.SegmentDuration != 10 || got.Goniometer {
		t.Fatalf("settings = %+v", got)
	}
}

func TestGetTranscodeSettings_ReturnsStored(t *testing.T) {
	store := &fakeSettingsStore{stored: &app.TranscodeSettings{SegmentDuration: 15, Goniometer: true}}
	s := newTestServer(t, WithTranscodeSettings(store))

	req := httptest.NewRequest(http.MethodGet, "/settings/transcode", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var got app.TranscodeSettings
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.SegmentDuration != 15 || !got.Goniometer {
		t.Fatalf("settings = %+v", got)
	}
}

func TestUpdateTranscodeSettings_FullUpdate(t *testing.T) {
	store := &fakeSettingsStore{}
	s := newTestServer(t, WithTranscodeSettings(store))

	body := strings.NewReader(`{"segmentDuration": 20, "goniometer": true}`)
	req := httptest.NewRequest(http.MethodPatch, "/settings/transcode", body)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if store.lastSet == nil {
		t.Fatal("Set not called")
	}
	if store.lastSet.SegmentDuration != 20 || !store.lastSet.Goniometer {
		t.Fatalf("stored = %+v", store.lastSet)
	}
}

func TestUpdateTranscodeSettings_PartialKeepsSegmentDuration(t *testing.T) {
	store := &fakeSettingsStore{stored: &app.TranscodeSettings{SegmentDuration: 15}}
	s := newTestServer(t, WithTranscodeSettings(store))

	// Only the goniometer flag is sent; segment duration must survive.
	body := strings.NewReader(`{"goniometer": true}`)
	req := httptest.NewRequest(http.MethodPatch, "/settings/transcode", body)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if store.lastSet.SegmentDuration != 15 || !store.lastSet.Goniometer {
		t.Fatalf("stored = %+v", store.lastSet)
	}
}

func TestUpdateTranscodeSettings_RejectsOutOfRange(t *testing.T) {
	store := &fakeSettingsStore{}
	s := newTestServer(t, WithTranscodeSettings(store))

	for _, payload := range []string{
		`{"segmentDuration": 1}`,
		`{"segmentDuration": 61}`,
		`not json`,
	} {
		req := httptest.NewRequest(http.MethodPatch, "/settings/transcode", strings.NewReader(payload))
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("payload %q: status = %d", payload, rec.Code)
		}
	}
	if store.lastSet != nil {
		t.Fatal("Set called for invalid payload")
	}
}

func TestSessionOptions_EmptyStoreKeepsDefaults(t *testing.T) {
	store := &fakeSettingsStore{}
	s := newTestServer(t, WithTranscodeSettings(store))
	s.manager.defaultGonio = true

	// An empty settings document must not override the configured defaults.
	req := httptest.NewRequest(http.MethodGet, "/video/test.mxf/playlist.m3u8", nil)
	opts := s.sessionOptions(req)
	if opts.SegmentDuration != 10 || !opts.Goniometer {
		t.Fatalf("opts = %+v, want manager defaults", opts)
	}
}

func TestSessionOptions_StoredSettingsApply(t *testing.T) {
	store := &fakeSettingsStore{stored: &app.TranscodeSettings{SegmentDuration: 15, Goniometer: true}}
	s := newTestServer(t, WithTranscodeSettings(store))

	req := httptest.NewRequest(http.MethodGet, "/video/test.mxf/playlist.m3u8", nil)
	opts := s.sessionOptions(req)
	if opts.SegmentDuration != 15 || !opts.Goniometer {
		t.Fatalf("opts = %+v, want stored settings", opts)
	}

	// Query parameters override both.
	req = httptest.NewRequest(http.MethodGet, "/video/test.mxf/playlist.m3u8?segmentDuration=4&goniometer=false", nil)
	opts = s.sessionOptions(req)
	if opts.SegmentDuration != 4 || opts.Goniometer {
		t.Fatalf("opts = %+v, want query overrides", opts)
	}
}

func TestTranscodeSettings_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, WithTranscodeSettings(&fakeSettingsStore{}))

	req := httptest.NewRequest(http.MethodDelete, "/settings/transcode", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}
