// Package syncer drives one push of local and remote files into the
// knowledge service.
package syncer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentworkforce/kbsync/internal/backoff"
	"github.com/agentworkforce/kbsync/internal/filter"
	"github.com/agentworkforce/kbsync/internal/knowledge"
	"github.com/agentworkforce/kbsync/internal/resolver"
	"github.com/agentworkforce/kbsync/internal/source"
	"github.com/agentworkforce/kbsync/internal/state"
	"github.com/agentworkforce/kbsync/internal/transcode"
)

const (
	DefaultPollInterval  = 5 * time.Second
	DefaultUploadTimeout = 300 * time.Second
	defaultDescription   = "Synced by kbsync"
)

var (
	ErrProcessingTimeout = errors.New("processing timeout")
	ErrProcessingFailed  = errors.New("processing failed")
)

// Failure reasons stored on FileRecord.Error.
const (
	reasonConversion    = "conversion failed"
	reasonKnowledgeBase = "could not create/get knowledge base"
	reasonUpload        = "upload failed"
	reasonAssociate     = "could not add file to knowledge base"
)

type Options struct {
	SyncRoot   string
	Extensions []string
	// Skip lists local paths never offered for upload, such as the state
	// file and its lock.
	Skip     []string
	Resolver *resolver.Resolver

	Sources  []source.RemoteSource
	Ingestor *source.Ingestor

	Policy        Policy
	UploadTimeout time.Duration
	PollInterval  time.Duration
	Backfill      bool
	// TempDir holds transcoded files. Empty uses os.TempDir.
	TempDir     string
	Description string

	Logger  *slog.Logger
	Metrics *Metrics
	Now     func() time.Time
}

type Summary struct {
	Uploaded   int `json:"uploaded"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
	Retried    int `json:"retried"`
	Filtered   int `json:"filtered"`
	Converted  int `json:"converted"`
	Backfilled int `json:"backfilled"`
}

type Syncer struct {
	client   knowledge.Client
	store    *state.Store
	opts     Options
	resolver *resolver.Resolver
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time

	remote       []knowledge.KnowledgeBase
	remoteLoaded bool
}

func New(client knowledge.Client, store *state.Store, opts Options) (*Syncer, error) {
	if client == nil {
		return nil, fmt.Errorf("knowledge client is required")
	}
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	root := strings.TrimSpace(opts.SyncRoot)
	if root == "" {
		return nil, fmt.Errorf("sync root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	opts.SyncRoot = abs
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = DefaultUploadTimeout
	}
	if opts.Description == "" {
		opts.Description = defaultDescription
	}
	r := opts.Resolver
	if r == nil {
		r = resolver.New(resolver.Options{SyncRoot: abs})
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Syncer{
		client:   client,
		store:    store,
		opts:     opts,
		resolver: r,
		logger:   logger,
		metrics:  opts.Metrics,
		now:      now,
	}, nil
}

// Run processes every candidate once. Per-file failures are recorded in the
// store and the summary; the returned error is reserved for state that
// could not be persisted and for cancellation.
func (s *Syncer) Run(ctx context.Context) (Summary, error) {
	started := s.now()
	var summary Summary
	s.remote, s.remoteLoaded = nil, false

	candidates, cleanup := s.collect(ctx)
	defer cleanup()
	s.logger.Info("sync.run.start",
		"candidates", len(candidates),
		"mode", s.resolver.Mode().String(),
		"root", s.opts.SyncRoot,
	)

	if s.opts.Backfill {
		summary.Backfilled = s.backfill(ctx, candidates)
		if summary.Backfilled > 0 {
			if err := s.store.Save(context.WithoutCancel(ctx)); err != nil {
				return summary, fmt.Errorf("save state after backfill: %w", err)
			}
			s.metrics.observeBackfill(summary.Backfilled)
		}
	}

	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		res := s.process(ctx, c)
		summary.add(res)
		s.metrics.observeOutcome(res.outcome.String())
	}

	if err := s.store.Save(context.WithoutCancel(ctx)); err != nil {
		return summary, fmt.Errorf("save state: %w", err)
	}
	finished := s.now()
	s.metrics.observeRun(started, finished)
	s.logger.Info("sync.run.done",
		"uploaded", summary.Uploaded,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"retried", summary.Retried,
		"filtered", summary.Filtered,
		"converted", summary.Converted,
		"backfilled", summary.Backfilled,
		"duration_ms", finished.Sub(started).Milliseconds(),
	)
	return summary, ctx.Err()
}

func (s *Syncer) collect(ctx context.Context) ([]source.Candidate, func()) {
	exts := source.NewExtensions(s.opts.Extensions)
	var candidates []source.Candidate
	if err := source.EnsureRoot(s.opts.SyncRoot); err != nil {
		s.logger.Warn("local.root.skip", "root", s.opts.SyncRoot, "err", err)
	} else {
		local, err := source.ScanLocal(source.LocalOptions{
			Root:       s.opts.SyncRoot,
			Extensions: exts,
			Skip:       s.opts.Skip,
			Logger:     s.logger,
		})
		if err != nil {
			s.logger.Error("local.scan.failed", "root", s.opts.SyncRoot, "err", err)
		}
		candidates = append(candidates, local...)
	}
	if s.opts.Ingestor == nil || len(s.opts.Sources) == 0 {
		return candidates, func() {}
	}
	remote, cleanup := s.opts.Ingestor.FetchAll(ctx, s.opts.Sources)
	return append(candidates, remote...), cleanup
}

// classify resolves the target and filters for c. Single-collection mode
// applies to remote files as well; otherwise remote files use their
// source's settings.
func (s *Syncer) classify(c source.Candidate) resolver.Resolution {
	if c.Origin != source.OriginRemote {
		return s.resolver.Resolve(c.Path)
	}
	if name, ok := s.resolver.Single(); ok {
		return resolver.Resolution{KnowledgeBase: name, Root: c.FilterRoot, Matched: true}
	}
	return resolver.Resolution{
		KnowledgeBase: c.KnowledgeBase,
		Filters:       c.Filters,
		Root:          c.FilterRoot,
		Matched:       c.KnowledgeBase != "",
	}
}

func (s *Syncer) included(c source.Candidate, res resolver.Resolution) bool {
	syncRoot := s.opts.SyncRoot
	if c.Origin == source.OriginRemote {
		syncRoot = c.FilterRoot
	}
	return filter.Included(c.Path, res.Filters, res.Root, syncRoot)
}

type outcome int

const (
	outcomeUploaded outcome = iota
	outcomeSkipped
	outcomeFailed
	outcomeFiltered
)

func (o outcome) String() string {
	switch o {
	case outcomeUploaded:
		return "uploaded"
	case outcomeSkipped:
		return "skipped"
	case outcomeFiltered:
		return "filtered"
	default:
		return "failed"
	}
}

type result struct {
	outcome   outcome
	retried   bool
	converted bool
}

func (sum *Summary) add(r result) {
	switch r.outcome {
	case outcomeUploaded:
		sum.Uploaded++
	case outcomeSkipped:
		sum.Skipped++
	case outcomeFiltered:
		sum.Filtered++
	default:
		sum.Failed++
	}
	if r.retried {
		sum.Retried++
	}
	if r.converted {
		sum.Converted++
	}
}

type attempt struct {
	key    string
	hash   string
	prev   *state.FileRecord
	kbName string
	fileID string
}

func (s *Syncer) process(ctx context.Context, c source.Candidate) (res result) {
	log := s.logger.With("key", c.Key, "source", c.Source)
	cls := s.classify(c)
	if !s.included(c, cls) {
		log.Debug("sync.file.filtered")
		return result{outcome: outcomeFiltered}
	}

	hash, err := HashFile(c.Path)
	if err != nil {
		log.Warn("sync.hash.failed", "err", err)
		return result{outcome: outcomeFailed}
	}

	at := attempt{key: c.Key, hash: hash}
	if cls.Matched {
		at.kbName = cls.KnowledgeBase
	}
	if prev, ok := s.store.Get(c.Key); ok {
		at.prev = &prev
	}
	decision := Decide(at.prev, hash, s.now(), s.opts.Policy)
	if decision.Action.Skip() {
		log.Debug("sync.file.skip", "reason", decision.Action.String(), "phase", decision.Phase.String())
		return result{outcome: outcomeSkipped}
	}
	res.retried = decision.Action == ActionRetry

	uploadPath, uploadName := c.Path, filepath.Base(c.Path)
	cleanup := func() {}
	defer func() { cleanup() }()
	if transcode.Applies(c.Path) {
		converted, done, err := transcode.File(c.Path, s.opts.TempDir)
		cleanup = done
		if err != nil {
			log.Warn("sync.convert.failed", "err", err)
			s.fail(at, fmt.Sprintf("%s: %v", reasonConversion, err))
			res.outcome = outcomeFailed
			return res
		}
		uploadPath, uploadName = converted, transcode.UploadName(c.Path)
		res.converted = true
	}

	var kbID string
	if at.kbName != "" {
		kbID, err = s.ensureKnowledgeBase(ctx, at.kbName)
		if err != nil {
			log.Warn("sync.kb.failed", "kb", at.kbName, "err", err)
			s.fail(at, fmt.Sprintf("%s: %v", reasonKnowledgeBase, err))
			res.outcome = outcomeFailed
			return res
		}
	}

	uploaded, err := s.client.UploadFile(ctx, uploadPath, uploadName, kbID)
	cleanup()
	if err != nil {
		log.Warn("sync.upload.failed", "err", err, "retried", res.retried)
		s.fail(at, fmt.Sprintf("%s: %v", reasonUpload, err))
		res.outcome = outcomeFailed
		return res
	}
	at.fileID = uploaded.ID

	if uploaded.ID == "" {
		log.Info("sync.upload.untracked", "name", uploadName, "kb", at.kbName)
	} else {
		if err := s.waitForProcessing(ctx, uploaded); err != nil {
			log.Warn("sync.processing.failed", "file_id", uploaded.ID, "err", err)
			s.fail(at, err.Error())
			res.outcome = outcomeFailed
			return res
		}
		if kbID != "" {
			if err := s.client.AddFile(ctx, kbID, uploaded.ID); err != nil {
				if knowledge.IsNotFound(err) {
					s.store.DropKnowledgeBase(at.kbName)
				}
				log.Warn("sync.kb.associate.failed", "kb", at.kbName, "file_id", uploaded.ID, "err", err)
				s.fail(at, fmt.Sprintf("%s: %v", reasonAssociate, err))
				res.outcome = outcomeFailed
				return res
			}
		}
	}

	s.store.Put(c.Key, state.FileRecord{
		Hash:          hash,
		Status:        state.StatusUploaded,
		LastAttempt:   state.Timestamp{Time: s.now().UTC()},
		RetryCount:    0,
		FileID:        uploaded.ID,
		KnowledgeBase: at.kbName,
	})
	log.Info("sync.upload.ok", "file_id", uploaded.ID, "kb", at.kbName, "name", uploadName)
	res.outcome = outcomeUploaded
	return res
}

func (s *Syncer) fail(at attempt, reason string) {
	fileID := at.fileID
	if fileID == "" && at.prev != nil {
		fileID = at.prev.FileID
	}
	s.store.Put(at.key, state.FileRecord{
		Hash:          at.hash,
		Status:        state.StatusFailed,
		LastAttempt:   state.Timestamp{Time: s.now().UTC()},
		RetryCount:    failureCount(at.prev),
		FileID:        fileID,
		KnowledgeBase: at.kbName,
		Error:         reason,
	})
}

// waitForProcessing polls the file until the service reports a terminal
// state or the upload timeout passes. An unrecognized status is terminal.
func (s *Syncer) waitForProcessing(ctx context.Context, file knowledge.UploadedFile) error {
	if file.Status == knowledge.StatusProcessed {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.opts.UploadTimeout)
	defer cancel()
	for {
		current, err := s.client.GetFile(waitCtx, file.ID)
		if err == nil {
			switch current.Status {
			case knowledge.StatusProcessing:
			case knowledge.StatusFailed:
				return ErrProcessingFailed
			default:
				return nil
			}
		} else if waitCtx.Err() == nil {
			s.logger.Debug("sync.processing.poll", "file_id", file.ID, "err", err)
		}
		if backoff.Sleep(waitCtx, s.opts.PollInterval) != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrProcessingTimeout
		}
	}
}

// ensureKnowledgeBase returns the id for name, consulting the state cache,
// then the remote listing, and creating the collection last. Creation is
// not atomic with the listing; the run lock only guards engines sharing a
// state store.
func (s *Syncer) ensureKnowledgeBase(ctx context.Context, name string) (string, error) {
	if kb, ok := s.store.KnowledgeBase(name); ok && kb.ID != "" {
		return kb.ID, nil
	}
	listing, err := s.remoteKnowledge(ctx)
	if err != nil {
		return "", err
	}
	for _, kb := range listing {
		if kb.Name == name && kb.ID != "" {
			s.cacheKnowledgeBase(name, kb.ID)
			return kb.ID, nil
		}
	}
	created, err := s.client.CreateKnowledge(ctx, name, s.opts.Description)
	if err != nil {
		return "", err
	}
	s.remote = append(s.remote, created)
	s.cacheKnowledgeBase(name, created.ID)
	s.metrics.observeCreate()
	s.logger.Info("sync.kb.created", "kb", name, "id", created.ID)
	return created.ID, nil
}

func (s *Syncer) cacheKnowledgeBase(name, id string) {
	s.store.PutKnowledgeBase(state.KnowledgeBaseRecord{
		Name:      name,
		ID:        id,
		CreatedAt: state.Timestamp{Time: s.now().UTC()},
	})
}

// remoteKnowledge lists collections once per run.
func (s *Syncer) remoteKnowledge(ctx context.Context) ([]knowledge.KnowledgeBase, error) {
	if s.remoteLoaded {
		return s.remote, nil
	}
	listing, err := s.client.ListKnowledge(ctx)
	if err != nil {
		return nil, err
	}
	s.remote, s.remoteLoaded = listing, true
	return listing, nil
}

// HashFile returns the hex MD5 of the file's content. MD5 matches the
// fingerprints in state written by earlier releases.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
