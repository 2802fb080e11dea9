package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"rammingen-go/internal/proto"
	"rammingen-go/internal/server/content"
	"rammingen-go/internal/server/meta"
)

// streamBatchSize is how many items go into one response frame.
const streamBatchSize = 1024

func decodeRequest[T any](w http.ResponseWriter, r *http.Request) (*T, bool) {
	var req T
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request, source proto.SourceInfo, op string) {
	switch op {
	case proto.OpGetEntries:
		req, ok := decodeRequest[proto.GetEntriesRequest](w, r)
		if !ok {
			return
		}
		s.streamEntries(w, r, func(yield func(proto.Entry) error) error {
			return s.store.UpdatesSince(r.Context(), req.AfterUpdateNumber, yield)
		})

	case proto.OpGetEntry:
		req, ok := decodeRequest[proto.GetEntryRequest](w, r)
		if !ok {
			return
		}
		entry, err := s.store.GetEntry(r.Context(), req.Path)
		s.respond(w, proto.GetEntryResponse{Entry: entry}, err)

	case proto.OpGetChildren:
		req, ok := decodeRequest[proto.GetChildrenRequest](w, r)
		if !ok {
			return
		}
		s.streamEntries(w, r, func(yield func(proto.Entry) error) error {
			entries, err := s.store.GetChildren(r.Context(), req.Path)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				if err := yield(entry); err != nil {
					return err
				}
			}
			return nil
		})

	case proto.OpGetVersions:
		req, ok := decodeRequest[proto.GetVersionsRequest](w, r)
		if !ok {
			return
		}
		versions, err := s.store.Versions(r.Context(), req.Path)
		s.streamVersions(w, versions, err)

	case proto.OpGetAllVersions:
		req, ok := decodeRequest[proto.GetAllVersionsRequest](w, r)
		if !ok {
			return
		}
		versions, err := s.store.AllVersions(r.Context(), req.Path, req.Recursive)
		s.streamVersions(w, versions, err)

	case proto.OpStateAt:
		req, ok := decodeRequest[proto.StateAtRequest](w, r)
		if !ok {
			return
		}
		versions, err := s.store.StateAt(r.Context(), req.Path, req.RecordedAt)
		s.streamVersions(w, versions, err)

	case proto.OpAddVersion:
		req, ok := decodeRequest[proto.AddVersionRequest](w, r)
		if !ok {
			return
		}
		// Refuse to record files whose blob never arrived.
		if req.Content != nil {
			exists, err := s.blobs.Exists(req.Content.Hash)
			if err != nil {
				s.respond(w, nil, err)
				return
			}
			if !exists {
				s.respond(w, nil, fmt.Errorf("%w: no content stored for hash %s", meta.ErrPrecondition, req.Content.Hash.Hex()))
				return
			}
		}
		mu := s.writeLock(source.ID)
		mu.Lock()
		resp, err := s.store.AddVersion(r.Context(), source.ID, req)
		mu.Unlock()
		s.respond(w, resp, err)

	case proto.OpMoveEntry:
		req, ok := decodeRequest[proto.MoveEntryRequest](w, r)
		if !ok {
			return
		}
		mu := s.writeLock(source.ID)
		mu.Lock()
		affected, err := s.store.MoveEntry(r.Context(), source.ID, req.OldPath, req.NewPath)
		mu.Unlock()
		s.respond(w, proto.BulkActionResponse{AffectedPaths: affected}, err)

	case proto.OpRemoveEntry:
		req, ok := decodeRequest[proto.RemoveEntryRequest](w, r)
		if !ok {
			return
		}
		mu := s.writeLock(source.ID)
		mu.Lock()
		affected, err := s.store.RemoveEntry(r.Context(), source.ID, req.Path)
		mu.Unlock()
		s.respond(w, proto.BulkActionResponse{AffectedPaths: affected}, err)

	case proto.OpResetVersion:
		req, ok := decodeRequest[proto.ResetVersionRequest](w, r)
		if !ok {
			return
		}
		mu := s.writeLock(source.ID)
		mu.Lock()
		affected, err := s.store.ResetVersion(r.Context(), source.ID, req.Path, req.RecordedAt)
		mu.Unlock()
		s.respond(w, proto.BulkActionResponse{AffectedPaths: affected}, err)

	case proto.OpContentExists:
		req, ok := decodeRequest[proto.ContentExistsRequest](w, r)
		if !ok {
			return
		}
		exists, err := s.blobs.Exists(req.Hash)
		s.respond(w, proto.ContentExistsResponse{Exists: exists}, err)

	case proto.OpGetSources:
		if _, ok := decodeRequest[proto.GetSourcesRequest](w, r); !ok {
			return
		}
		sources, err := s.store.Sources(r.Context())
		s.respond(w, proto.GetSourcesResponse{Sources: sources}, err)

	case proto.OpGetStatus:
		if _, ok := decodeRequest[proto.GetStatusRequest](w, r); !ok {
			return
		}
		space, err := s.blobs.AvailableSpace()
		s.respond(w, proto.GetStatusResponse{AvailableSpace: space}, err)

	case proto.OpCheckIntegrity:
		if _, ok := decodeRequest[proto.CheckIntegrityRequest](w, r); !ok {
			return
		}
		resp, err := s.checkIntegrity(r)
		s.respond(w, resp, err)

	default:
		http.NotFound(w, r)
	}
}

func (s *Server) respond(w http.ResponseWriter, resp any, err error) {
	if err != nil {
		s.logger.Warn("handler error", "err", err)
		status := http.StatusInternalServerError
		if errors.Is(err, meta.ErrPrecondition) || errors.Is(err, proto.ErrInvalidPath) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to write response", "err", err)
	}
}

// streamEntries writes a framed stream of entry batches.
func (s *Server) streamEntries(w http.ResponseWriter, r *http.Request, produce func(yield func(proto.Entry) error) error) {
	w.Header().Set("Content-Type", "application/octet-stream")
	batch := make([]proto.Entry, 0, streamBatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := writeChunk(w, proto.StreamChunk{Entries: batch})
		batch = batch[:0]
		return err
	}

	err := produce(func(entry proto.Entry) error {
		batch = append(batch, entry)
		if len(batch) >= streamBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("stream handler error", "err", err)
		writeChunk(w, proto.StreamChunk{Error: err.Error()})
		proto.WriteTerminator(w)
		return
	}
	if err := flush(); err != nil {
		return
	}
	proto.WriteTerminator(w)
}

func (s *Server) streamVersions(w http.ResponseWriter, versions []proto.EntryVersion, err error) {
	w.Header().Set("Content-Type", "application/octet-stream")
	if err != nil {
		s.logger.Warn("stream handler error", "err", err)
		writeChunk(w, proto.StreamChunk{Error: err.Error()})
		proto.WriteTerminator(w)
		return
	}
	for start := 0; start < len(versions); start += streamBatchSize {
		end := min(start+streamBatchSize, len(versions))
		if err := writeChunk(w, proto.StreamChunk{Versions: versions[start:end]}); err != nil {
			return
		}
	}
	proto.WriteTerminator(w)
}

func writeChunk(w io.Writer, chunk proto.StreamChunk) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return proto.WriteFrame(w, payload)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, hash proto.ContentHash) {
	existed, err := s.blobs.Put(hash, r.Body)
	if err != nil {
		if errors.Is(err, content.ErrHashMismatch) {
			s.logger.Warn("upload hash mismatch", "hash", hash.Hex())
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error("upload failed", "hash", hash.Hex(), "err", err)
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}
	s.respond(w, proto.ContentUploadResponse{Existed: existed}, nil)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, hash proto.ContentHash) {
	size, err := s.blobs.Size(hash)
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "download failed", http.StatusInternalServerError)
		return
	}
	blob, err := s.blobs.Open(hash)
	if err != nil {
		http.Error(w, "download failed", http.StatusInternalServerError)
		return
	}
	defer blob.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	if _, err := io.Copy(w, blob); err != nil {
		s.logger.Warn("download interrupted", "hash", hash.Hex(), "err", err)
	}
}

func (s *Server) checkIntegrity(r *http.Request) (*proto.CheckIntegrityResponse, error) {
	referenced, err := s.store.ReferencedHashes(r.Context())
	if err != nil {
		return nil, err
	}
	stored, err := s.blobs.Hashes()
	if err != nil {
		return nil, fmt.Errorf("listing stored blobs: %w", err)
	}

	storedSet := make(map[string]struct{}, len(stored))
	for _, hash := range stored {
		storedSet[hash.Hex()] = struct{}{}
	}
	referencedSet := make(map[string]struct{}, len(referenced))

	resp := &proto.CheckIntegrityResponse{}
	for _, hash := range referenced {
		referencedSet[hash.Hex()] = struct{}{}
		if _, ok := storedSet[hash.Hex()]; !ok {
			resp.MissingBlobs = append(resp.MissingBlobs, hash.Hex())
		}
	}
	for _, hash := range stored {
		if _, ok := referencedSet[hash.Hex()]; !ok {
			resp.OrphanBlobs = append(resp.OrphanBlobs, hash.Hex())
		}
	}
	return resp, nil
}
