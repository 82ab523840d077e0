// Package pipeline runs one manifestation job end to end: asset retrieval,
// generation with fallback, composition and upload.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"manifestme/internal/backoff"
	"manifestme/internal/compose"
	"manifestme/internal/domain"
	"manifestme/internal/infra"
	"manifestme/internal/providers/video"
	"manifestme/internal/storage"
	"manifestme/internal/templates"
)

// Stage names reported in StageError and logs.
const (
	StageAssets      = "assets"
	StagePrompt      = "prompt"
	StageGeneration  = "generation"
	StageComposition = "composition"
	StageUpload      = "upload"
)

// StageError is a pipeline failure tagged with the stage that produced it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// Composer stitches the three clips.
type Composer interface {
	Compose(ctx context.Context, req compose.Request) error
}

// Execution is one run of the pipeline for a claimed job.
type Execution struct {
	JobID    string
	OwnerID  string
	Prompt   string
	Template templates.Template
}

// Result is the durable output of a run. Degraded marks runs where the
// generated clip was replaced by the intro clip.
type Result struct {
	Location string
	Degraded bool
	Reason   string
}

// GenerationOutcome is either a generated clip or, when Degraded, the
// fallback clip together with the reason generation was abandoned.
type GenerationOutcome struct {
	Clip     string
	Degraded bool
	Reason   error
}

// Options tunes the orchestrator. OutputURIBase is the service-side URI of
// the bucket root, e.g. gs://bucket.
type Options struct {
	WorkDir          string
	OutputURIBase    string
	AspectRatio      string
	PersonGeneration string
	PollInterval     time.Duration
	PollMaxInterval  time.Duration
	Timeout          time.Duration
	Logger           *infra.Logger
}

type Orchestrator struct {
	store     storage.ObjectStore
	generator video.Generator
	composer  Composer
	opts      Options
	poll      backoff.Exponential
	logger    *infra.Logger

	now      func() time.Time
	newRunID func() string
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(store storage.ObjectStore, generator video.Generator, composer Composer, opts Options) *Orchestrator {
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if opts.AspectRatio == "" {
		opts.AspectRatio = "16:9"
	}
	if opts.PersonGeneration == "" {
		opts.PersonGeneration = "allow_adult"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.PollMaxInterval < opts.PollInterval {
		opts.PollMaxInterval = opts.PollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		l := infra.Logger(zerolog.Nop())
		logger = &l
	}
	return &Orchestrator{
		store:     store,
		generator: generator,
		composer:  composer,
		opts:      opts,
		poll:      backoff.NewExponential(opts.PollInterval, opts.PollMaxInterval),
		logger:    logger,
		now:       time.Now,
		newRunID:  uuid.NewString,
		sleep:     backoff.Sleep,
	}
}

type workspace struct {
	dir       string
	intro     string
	outro     string
	avatar    string
	generated string
	output    string
}

// Run executes the pipeline. Only the generation stage degrades; every other
// failure is returned as a *StageError wrapping a domain sentinel.
func (o *Orchestrator) Run(ctx context.Context, exec Execution) (Result, error) {
	logger := o.logger.With().
		Str("job_id", exec.JobID).
		Str("owner_id", exec.OwnerID).
		Str("template", exec.Template.Name).
		Logger()

	dir, err := os.MkdirTemp(o.opts.WorkDir, "job-"+exec.JobID+"-*")
	if err != nil {
		return Result{}, &StageError{Stage: StageAssets, Err: fmt.Errorf("create work dir: %w", err)}
	}
	defer os.RemoveAll(dir)
	ws := workspace{
		dir:       dir,
		intro:     filepath.Join(dir, "intro.mp4"),
		outro:     filepath.Join(dir, "outro.mp4"),
		avatar:    filepath.Join(dir, "avatar.jpg"),
		generated: filepath.Join(dir, "generated.mp4"),
		output:    filepath.Join(dir, "final.mp4"),
	}

	if err := o.fetchAssets(ctx, exec, ws); err != nil {
		return Result{}, &StageError{Stage: StageAssets, Err: err}
	}
	logger.Debug().Str("stage", StageAssets).Msg("pipeline: assets ready")

	action := strings.TrimSpace(exec.Prompt)
	if action == "" {
		return Result{}, &StageError{Stage: StagePrompt, Err: domain.ErrInvalidPrompt}
	}
	reference, err := os.ReadFile(ws.avatar)
	if err != nil {
		return Result{}, &StageError{Stage: StageAssets, Err: fmt.Errorf("read avatar: %w", err)}
	}
	reference, mime, err := video.PrepareReference(reference)
	if err != nil {
		return Result{}, &StageError{Stage: StageAssets, Err: fmt.Errorf("%w: avatar: %v", domain.ErrAssetMissing, err)}
	}
	prompt := exec.Template.BuildPrompt(action)

	outcome := o.generate(ctx, logger, video.SubmitRequest{
		Prompt:           prompt,
		ReferenceImage:   reference,
		ReferenceMIME:    mime,
		AspectRatio:      o.opts.AspectRatio,
		PersonGeneration: o.opts.PersonGeneration,
	}, ws)
	if err := ctx.Err(); err != nil {
		return Result{}, &StageError{Stage: StageGeneration, Err: err}
	}
	if outcome.Degraded {
		logger.Warn().Err(outcome.Reason).Str("stage", StageGeneration).Msg("pipeline: generation failed, using intro clip")
	}

	err = o.composer.Compose(ctx, compose.Request{
		IntroPath:  ws.intro,
		ClipPath:   outcome.Clip,
		OutroPath:  ws.outro,
		OutputPath: ws.output,
	})
	if err != nil {
		return Result{}, &StageError{Stage: StageComposition, Err: fmt.Errorf("%w: %v", domain.ErrCompositionFailed, err)}
	}

	key := fmt.Sprintf("users/%s/videos/manifest_%d_%s.mp4", exec.OwnerID, o.now().Unix(), exec.JobID)
	location, err := o.store.Upload(ctx, key, ws.output, "video/mp4")
	if err != nil {
		return Result{}, &StageError{Stage: StageUpload, Err: fmt.Errorf("%w: %v", domain.ErrUploadFailed, err)}
	}
	logger.Info().Str("location", location).Bool("degraded", outcome.Degraded).Msg("pipeline: video uploaded")

	result := Result{Location: location, Degraded: outcome.Degraded}
	if outcome.Reason != nil {
		result.Reason = outcome.Reason.Error()
	}
	return result, nil
}

func (o *Orchestrator) fetchAssets(ctx context.Context, exec Execution, ws workspace) error {
	downloads := []struct{ key, dest string }{
		{exec.Template.IntroPath(), ws.intro},
		{exec.Template.OutroPath(), ws.outro},
		{AvatarKey(exec.OwnerID), ws.avatar},
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range downloads {
		g.Go(func() error {
			if err := o.store.Download(gctx, d.key, d.dest); err != nil {
				if errors.Is(err, storage.ErrObjectNotFound) {
					return fmt.Errorf("%w: %s", domain.ErrAssetMissing, d.key)
				}
				return fmt.Errorf("download %s: %w", d.key, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// generate never fails: any error is turned into a degraded outcome using
// the intro clip.
func (o *Orchestrator) generate(ctx context.Context, logger zerolog.Logger, req video.SubmitRequest, ws workspace) GenerationOutcome {
	runID := o.newRunID()
	prefix := GeneratedPrefix(runID)
	req.OutputURI = strings.TrimRight(o.opts.OutputURIBase, "/") + "/" + prefix
	logger = logger.With().Str("run_id", runID).Logger()

	clip, err := o.generateClip(ctx, logger, req, prefix, ws.generated)
	if err != nil {
		return GenerationOutcome{Clip: ws.intro, Degraded: true, Reason: fmt.Errorf("%w: %v", domain.ErrGenerationFailed, err)}
	}
	return GenerationOutcome{Clip: clip}
}

func (o *Orchestrator) generateClip(ctx context.Context, logger zerolog.Logger, req video.SubmitRequest, prefix, dest string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	op, err := o.generator.Submit(ctx, req)
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	logger.Info().Str("operation", op.Name).Msg("pipeline: generation submitted")

	for attempt := 1; ; attempt++ {
		if err := o.sleep(ctx, o.poll.Delay(attempt)); err != nil {
			return "", fmt.Errorf("poll: %w", err)
		}
		res, err := o.generator.Poll(ctx, op)
		if err != nil {
			return "", fmt.Errorf("poll: %w", err)
		}
		if res.Done {
			break
		}
		logger.Debug().Int("attempt", attempt).Msg("pipeline: generation still running")
	}

	// the service response may be empty on success, the run prefix is
	// authoritative
	objects, err := o.store.List(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("list output: %w", err)
	}
	if len(objects) == 0 {
		return "", fmt.Errorf("no output under %s", prefix)
	}
	if err := o.store.Download(ctx, objects[0].Key, dest); err != nil {
		return "", fmt.Errorf("download output: %w", err)
	}
	return dest, nil
}

// AvatarKey is the object key of an owner's reference image.
func AvatarKey(ownerID string) string {
	return "users/" + ownerID + "/profile/avatar.jpg"
}

// GeneratedPrefix is the per-run output location inside the bucket.
func GeneratedPrefix(runID string) string {
	return "generated/" + runID + "/"
}
