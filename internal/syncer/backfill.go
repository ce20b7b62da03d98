package syncer

import (
	"context"
	"path/filepath"

	"github.com/agentworkforce/kbsync/internal/knowledge"
	"github.com/agentworkforce/kbsync/internal/source"
	"github.com/agentworkforce/kbsync/internal/state"
	"github.com/agentworkforce/kbsync/internal/transcode"
)

// backfill reconstructs uploaded records for candidates that a previous run
// uploaded but never persisted. A candidate matches a remote file of the
// same upload name in its resolved collection. Names shared by several
// candidates in one collection are left alone.
func (s *Syncer) backfill(ctx context.Context, candidates []source.Candidate) int {
	pending := map[string]map[string][]source.Candidate{}
	for _, c := range candidates {
		if rec, ok := s.store.Get(c.Key); ok && rec.Status == state.StatusUploaded {
			continue
		}
		cls := s.classify(c)
		if !cls.Matched || cls.KnowledgeBase == "" || !s.included(c, cls) {
			continue
		}
		byName := pending[cls.KnowledgeBase]
		if byName == nil {
			byName = map[string][]source.Candidate{}
			pending[cls.KnowledgeBase] = byName
		}
		name := uploadNameFor(c.Path)
		byName[name] = append(byName[name], c)
	}
	if len(pending) == 0 {
		return 0
	}

	listing, err := s.remoteKnowledge(ctx)
	if err != nil {
		s.logger.Warn("sync.backfill.skip", "err", err)
		return 0
	}
	restored := 0
	for _, kb := range listing {
		byName, ok := pending[kb.Name]
		if !ok || kb.ID == "" {
			continue
		}
		if _, cached := s.store.KnowledgeBase(kb.Name); !cached {
			s.cacheKnowledgeBase(kb.Name, kb.ID)
		}
		for _, file := range s.knowledgeFiles(ctx, kb) {
			if ctx.Err() != nil {
				return restored
			}
			matches := byName[file.Filename]
			if len(matches) == 0 {
				continue
			}
			if len(matches) > 1 {
				s.logger.Warn("sync.backfill.ambiguous", "kb", kb.Name, "name", file.Filename, "candidates", len(matches))
				continue
			}
			c := matches[0]
			hash, err := HashFile(c.Path)
			if err != nil {
				s.logger.Warn("sync.backfill.hash.failed", "key", c.Key, "err", err)
				continue
			}
			s.store.Put(c.Key, state.FileRecord{
				Hash:          hash,
				Status:        state.StatusUploaded,
				LastAttempt:   state.Timestamp{Time: s.now().UTC()},
				FileID:        file.ID,
				KnowledgeBase: kb.Name,
			})
			delete(byName, file.Filename)
			restored++
			s.logger.Info("sync.backfill.restored", "key", c.Key, "kb", kb.Name, "file_id", file.ID)
		}
	}
	return restored
}

// knowledgeFiles returns the named files of kb, fetching names the listing
// did not embed.
func (s *Syncer) knowledgeFiles(ctx context.Context, kb knowledge.KnowledgeBase) []knowledge.File {
	named := make(map[string]bool, len(kb.Files))
	files := make([]knowledge.File, 0, len(kb.FileIDs))
	for _, f := range kb.Files {
		if f.Filename != "" {
			named[f.ID] = true
			files = append(files, f)
		}
	}
	for _, id := range kb.FileIDs {
		if named[id] {
			continue
		}
		f, err := s.client.GetFile(ctx, id)
		if err != nil {
			s.logger.Debug("sync.backfill.file.skip", "kb", kb.Name, "file_id", id, "err", err)
			continue
		}
		if f.Filename != "" {
			files = append(files, f)
		}
	}
	return files
}

func uploadNameFor(path string) string {
	if transcode.Applies(path) {
		return transcode.UploadName(path)
	}
	return filepath.Base(path)
}
