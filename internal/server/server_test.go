package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rammingen-go/internal/logging"
	"rammingen-go/internal/proto"
	"rammingen-go/internal/server/content"
	"rammingen-go/internal/server/meta"
)

const testToken = "11111111-2222-3333-4444-555555555555"

func newTestServer(t *testing.T) (*httptest.Server, *meta.Store, *content.Memory) {
	t.Helper()
	store, err := meta.Open(":memory:")
	if err != nil {
		t.Fatalf("meta.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if _, err := store.AddSource(t.Context(), "test", testToken); err != nil {
		t.Fatalf("AddSource() error = %v", err)
	}

	blobs := content.NewMemory()
	srv := New(&Config{}, store, blobs, logging.Discard())
	httpServer := httptest.NewServer(srv.Handler())
	t.Cleanup(httpServer.Close)
	return httpServer, store, blobs
}

func doJSON(t *testing.T, server *httptest.Server, token, op string, request any) *http.Response {
	t.Helper()
	body, err := json.Marshal(request)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, server.URL+proto.APIPrefix+op, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func uploadBlob(t *testing.T, server *httptest.Server, data []byte) proto.ContentHash {
	t.Helper()
	sum := sha256.Sum256(data)
	hash := proto.ContentHash(sum[:])
	req, err := http.NewRequest(http.MethodPut, server.URL+proto.ContentPrefix+hash.Hex(), bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	return hash
}

func TestAuthentication(t *testing.T) {
	server, _, _ := newTestServer(t)

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{name: "missing token", token: "", status: http.StatusUnauthorized},
		{name: "wrong token", token: "bogus", status: http.StatusUnauthorized},
		{name: "valid token", token: testToken, status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, server, tt.token, proto.OpGetSources, proto.GetSourcesRequest{})
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}

func TestContentUploadDownload(t *testing.T) {
	server, _, _ := newTestServer(t)
	data := []byte("encrypted blob bytes")
	hash := uploadBlob(t, server, data)

	t.Run("repeated upload reports existed", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPut, server.URL+proto.ContentPrefix+hash.Hex(), bytes.NewReader(data))
		req.Header.Set("Authorization", "Bearer "+testToken)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var ack proto.ContentUploadResponse
		decodeInto(t, resp, &ack)
		if !ack.Existed {
			t.Error("second upload should report existed")
		}
	})

	t.Run("download returns identical bytes", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, server.URL+proto.ContentPrefix+hash.Hex(), nil)
		req.Header.Set("Authorization", "Bearer "+testToken)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		got, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, data) {
			t.Error("downloaded bytes differ")
		}
	})

	t.Run("hash mismatch is rejected", func(t *testing.T) {
		sum := sha256.Sum256([]byte("claimed"))
		claimed := proto.ContentHash(sum[:])
		req, _ := http.NewRequest(http.MethodPut, server.URL+proto.ContentPrefix+claimed.Hex(), bytes.NewReader([]byte("actual")))
		req.Header.Set("Authorization", "Bearer "+testToken)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("missing blob is 404", func(t *testing.T) {
		sum := sha256.Sum256([]byte("never uploaded"))
		missing := proto.ContentHash(sum[:])
		req, _ := http.NewRequest(http.MethodGet, server.URL+proto.ContentPrefix+missing.Hex(), nil)
		req.Header.Set("Authorization", "Bearer "+testToken)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})
}

func TestAddVersionAndStream(t *testing.T) {
	server, _, _ := newTestServer(t)

	dirPath, _ := proto.EncryptedPathFromRaw("/ZGlyZWN0b3J5")
	filePath, _ := proto.EncryptedPathFromRaw("/ZGlyZWN0b3J5/ZmlsZQ")

	resp := doJSON(t, server, testToken, proto.OpAddVersion, proto.AddVersionRequest{
		Path:          dirPath,
		RecordTrigger: proto.TriggerUpload,
		Kind:          proto.KindDirectory,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("AddVersion(dir) status = %d", resp.StatusCode)
	}

	t.Run("file version without blob is rejected", func(t *testing.T) {
		sum := sha256.Sum256([]byte("no blob"))
		resp := doJSON(t, server, testToken, proto.OpAddVersion, proto.AddVersionRequest{
			Path:          filePath,
			RecordTrigger: proto.TriggerUpload,
			Kind:          proto.KindFile,
			Content: &proto.FileContent{
				Hash:          proto.ContentHash(sum[:]),
				EncryptedSize: 7,
				OriginalSize:  proto.EncryptedSize("x"),
			},
		})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	hash := uploadBlob(t, server, []byte("blob for the file"))
	resp = doJSON(t, server, testToken, proto.OpAddVersion, proto.AddVersionRequest{
		Path:          filePath,
		RecordTrigger: proto.TriggerUpload,
		Kind:          proto.KindFile,
		Content: &proto.FileContent{
			Hash:          hash,
			EncryptedSize: 17,
			OriginalSize:  proto.EncryptedSize("enc"),
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("AddVersion(file) status = %d", resp.StatusCode)
	}
	var added proto.AddVersionResponse
	decodeInto(t, resp, &added)
	if !added.Added {
		t.Fatal("file version not added")
	}

	t.Run("content exists probe", func(t *testing.T) {
		resp := doJSON(t, server, testToken, proto.OpContentExists, proto.ContentExistsRequest{Hash: hash})
		var exists proto.ContentExistsResponse
		decodeInto(t, resp, &exists)
		if !exists.Exists {
			t.Error("uploaded content not found")
		}
	})

	t.Run("get entries stream", func(t *testing.T) {
		resp := doJSON(t, server, testToken, proto.OpGetEntries, proto.GetEntriesRequest{AfterUpdateNumber: 0})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}

		var entries []proto.Entry
		for {
			frame, err := proto.ReadFrame(resp.Body)
			if err != nil {
				t.Fatalf("reading frame: %v", err)
			}
			if frame == nil {
				break
			}
			var chunk proto.StreamChunk
			if err := json.Unmarshal(frame, &chunk); err != nil {
				t.Fatalf("decoding chunk: %v", err)
			}
			if chunk.Error != "" {
				t.Fatalf("stream error: %s", chunk.Error)
			}
			entries = append(entries, chunk.Entries...)
		}

		if len(entries) != 2 {
			t.Fatalf("streamed %d entries, want 2", len(entries))
		}
		for i := 1; i < len(entries); i++ {
			if entries[i].UpdateNumber <= entries[i-1].UpdateNumber {
				t.Error("entries not ordered by update number")
			}
		}
		if entries[1].Content == nil || !entries[1].Content.Hash.Equal(hash) {
			t.Error("file entry content mismatch")
		}
	})

	t.Run("incremental stream is empty", func(t *testing.T) {
		resp := doJSON(t, server, testToken, proto.OpGetEntries, proto.GetEntriesRequest{
			AfterUpdateNumber: added.UpdateNumber,
		})
		frame, err := proto.ReadFrame(resp.Body)
		if err != nil {
			t.Fatal(err)
		}
		if frame != nil {
			t.Error("expected immediate terminator for up-to-date client")
		}
	})

	t.Run("check integrity is clean", func(t *testing.T) {
		resp := doJSON(t, server, testToken, proto.OpCheckIntegrity, proto.CheckIntegrityRequest{})
		var report proto.CheckIntegrityResponse
		decodeInto(t, resp, &report)
		if len(report.MissingBlobs) != 0 || len(report.OrphanBlobs) != 0 {
			t.Errorf("integrity report = %+v, want clean", report)
		}
	})
}

func TestRetentionCycle(t *testing.T) {
	_, store, blobs := newTestServer(t)

	srv := New(&Config{}, store, blobs, logging.Discard())
	// No history at all: nothing to do, nothing to fail.
	if err := srv.RunRetention(t.Context()); err != nil {
		t.Fatalf("RunRetention() on empty store error = %v", err)
	}
}

func TestRetentionPrunesVersionsAndBlobs(t *testing.T) {
	server, store, blobs := newTestServer(t)
	ctx := t.Context()

	dirPath, _ := proto.EncryptedPathFromRaw("/ZGlyZWN0b3J5")
	filePath, _ := proto.EncryptedPathFromRaw("/ZGlyZWN0b3J5/ZmlsZQ")
	doJSON(t, server, testToken, proto.OpAddVersion, proto.AddVersionRequest{
		Path: dirPath, RecordTrigger: proto.TriggerUpload, Kind: proto.KindDirectory,
	})

	// Two generations of the file: the old blob becomes prunable once its
	// only version row leaves the detailed-history window.
	oldHash := uploadBlob(t, server, []byte("generation one"))
	newHash := uploadBlob(t, server, []byte("generation two"))
	for _, hash := range []proto.ContentHash{oldHash, newHash} {
		resp := doJSON(t, server, testToken, proto.OpAddVersion, proto.AddVersionRequest{
			Path:          filePath,
			RecordTrigger: proto.TriggerUpload,
			Kind:          proto.KindFile,
			Content: &proto.FileContent{
				Hash:          hash,
				EncryptedSize: 14,
				OriginalSize:  proto.EncryptedSize("enc"),
			},
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("AddVersion status = %d", resp.StatusCode)
		}
	}

	cfg := &Config{
		SnapshotInterval:      duration{time.Hour},
		RetainDetailedHistory: duration{time.Hour},
	}
	srv := New(cfg, store, blobs, logging.Discard())
	// Advance the clock instead of waiting: the snapshot point has left the
	// detailed-history window three hours from now.
	srv.clock = func() time.Time { return time.Now().Add(3 * time.Hour) }

	if err := srv.RunRetention(ctx); err != nil {
		t.Fatalf("RunRetention() error = %v", err)
	}

	// The superseded version is gone, the current one survives.
	versions, err := store.Versions(ctx, filePath)
	if err != nil {
		t.Fatal(err)
	}
	for _, version := range versions {
		if version.Content != nil && version.Content.Hash.Equal(oldHash) && version.SnapshotID == nil {
			t.Error("superseded version survived pruning untagged")
		}
	}

	// Its blob is deleted; the current blob survives.
	if exists, _ := blobs.Exists(oldHash); exists {
		t.Error("orphaned blob survived GC")
	}
	if exists, _ := blobs.Exists(newHash); !exists {
		t.Error("live blob was deleted")
	}
}
