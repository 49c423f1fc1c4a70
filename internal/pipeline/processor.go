package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/casefile-hq/casefile/internal/debug"
	"github.com/casefile-hq/casefile/internal/extract"
	"github.com/casefile-hq/casefile/internal/fault"
	"github.com/casefile-hq/casefile/internal/match"
	"github.com/casefile-hq/casefile/internal/store"
	"github.com/casefile-hq/casefile/internal/types"
)

const (
	// MaxTitleChars bounds transcript titles.
	MaxTitleChars = 500
	// DefaultTranscriptTimeout caps one Process call end to end.
	DefaultTranscriptTimeout = 10 * time.Minute
)

// Store is the slice of the store client the processor depends on.
type Store interface {
	Schema(ctx context.Context, databaseID string) (*types.DatabaseSchema, error)
	QueryAll(ctx context.Context, databaseID string, filter *store.Filter) ([]types.Page, error)
	CreatePage(ctx context.Context, databaseID string, properties map[string]any) (*types.Page, error)
	UpdatePage(ctx context.Context, pageID, databaseID string, properties map[string]any) (*types.Page, error)
	FindByTitle(ctx context.Context, databaseID, title string) (*types.Page, error)
}

var _ Store = (*store.Client)(nil)

// Processor runs one transcript through extract, dedup, upsert, and
// relationship phases. All collaborators are injected; the processor
// itself is stateless and safe for concurrent use.
type Processor struct {
	store     Store
	extractor extract.Provider
	matcher   *match.Matcher
	databases map[types.EntityKind]string

	overwriteConfidence float64
	transcriptTimeout   time.Duration
	dates               *dateNormalizer
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithOverwriteConfidence overrides the scalar-overwrite threshold.
func WithOverwriteConfidence(v float64) ProcessorOption {
	return func(p *Processor) { p.overwriteConfidence = v }
}

// WithTranscriptTimeout overrides the per-transcript deadline.
func WithTranscriptTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.transcriptTimeout = d }
}

// NewProcessor wires a processor. databases routes each entity kind to its
// target database id; kinds without a route are skipped at runtime.
func NewProcessor(st Store, extractor extract.Provider, matcher *match.Matcher, databases map[types.EntityKind]string, opts ...ProcessorOption) (*Processor, error) {
	if st == nil || extractor == nil || matcher == nil {
		return nil, fmt.Errorf("processor requires store, extractor, and matcher")
	}
	p := &Processor{
		store:               st,
		extractor:           extractor,
		matcher:             matcher,
		databases:           databases,
		overwriteConfidence: DefaultOverwriteConfidence,
		transcriptTimeout:   DefaultTranscriptTimeout,
		dates:               newDateNormalizer(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// localRef tracks a page touched (or matched) during this run so the
// relationship phase can resolve entity names without store lookups.
type localRef struct {
	page  *types.Page
	ref   types.PageRef
	score float64
}

type runState struct {
	result  *types.ProcessingResult
	opts    *Options
	refs    map[string]*localRef // keyed by kind+normalized name
	lookups map[string]*types.Page
}

func refKey(kind types.EntityKind, name string) string {
	return string(kind) + "\x00" + strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// Process runs the full pipeline for one transcript.
//
// Validation failures return an error with no side effects. Extraction or
// store failures after that point are captured in the result's error
// records; the returned error is reserved for invariant violations.
func (p *Processor) Process(ctx context.Context, transcript *types.Transcript, opts Options) (*types.ProcessingResult, error) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.transcriptTimeout)
	defer cancel()

	if err := p.validate(transcript, &opts); err != nil {
		return nil, err
	}

	// The caller's transcript is never mutated; the override is applied
	// to a shallow copy.
	if opts.SourceOverride != "" {
		copied := *transcript
		copied.Source = opts.SourceOverride
		transcript = &copied
	}

	result := &types.ProcessingResult{
		TranscriptID: transcript.ID,
		ContentHash:  transcript.ContentHash(),
		Created:      []types.PageRef{},
		Updated:      []types.PageRef{},
		Skipped:      []types.SkippedEntity{},
		Errors:       []fault.Record{},
		DryRun:       opts.DryRun,
	}
	state := &runState{
		result:  result,
		opts:    &opts,
		refs:    make(map[string]*localRef),
		lookups: make(map[string]*types.Page),
	}

	extraction, err := p.extractor.Extract(ctx, transcript, extract.Hints{AllowedKinds: opts.AllowedKinds})
	if err != nil {
		if fault.KindOf(err) == fault.KindValidation {
			return nil, err
		}
		result.Errors = append(result.Errors, fault.RecordOf(err))
		result.Duration = time.Since(started)
		return result, nil
	}

	for _, w := range extraction.Warnings {
		result.Skipped = append(result.Skipped, types.SkippedEntity{
			EntityName: w.EntityName,
			Reason:     types.SkipExtractionWarning,
		})
		result.Warnings = append(result.Warnings, fmt.Sprintf("extraction: %s (%s)", w.Reason, w.EntityName))
	}

	for i := range extraction.Entities {
		entity := &extraction.Entities[i]
		if ctx.Err() != nil {
			p.recordCancellation(result, entity.Name)
			break
		}
		p.upsertEntity(ctx, transcript, entity, state)
	}

	if opts.relationships() && ctx.Err() == nil {
		for i := range extraction.Entities {
			entity := &extraction.Entities[i]
			if ctx.Err() != nil {
				p.recordCancellation(result, entity.Name)
				break
			}
			p.linkEntity(ctx, entity, state)
		}
	}

	result.Duration = time.Since(started)
	debug.Logf("processed %s: created=%d updated=%d skipped=%d rels=%d errors=%d",
		transcript.ID, len(result.Created), len(result.Updated), len(result.Skipped),
		result.RelationshipsCreated, len(result.Errors))
	return result, nil
}

func (p *Processor) validate(transcript *types.Transcript, opts *Options) error {
	if transcript == nil || transcript.ID == "" {
		return fault.New(fault.KindValidation, "transcript id is required")
	}
	if transcript.Title == "" {
		return fault.New(fault.KindValidation, "transcript title is required")
	}
	if len([]rune(transcript.Title)) > MaxTitleChars {
		return fault.Newf(fault.KindValidation, "transcript title exceeds %d characters", MaxTitleChars)
	}
	if transcript.Body == "" {
		return fault.New(fault.KindValidation, "transcript body is required")
	}
	if len(transcript.Body) > extract.MaxInputChars {
		return fault.Newf(fault.KindValidation, "transcript body exceeds %d characters", extract.MaxInputChars)
	}
	if opts.SourceOverride != "" && !types.KnownSource(opts.SourceOverride) {
		return fault.Newf(fault.KindValidation, "unknown source tag %q", opts.SourceOverride)
	}
	if transcript.Source != "" && !types.KnownSource(transcript.Source) {
		return fault.Newf(fault.KindValidation, "unknown source tag %q", transcript.Source)
	}
	for _, k := range opts.AllowedKinds {
		if !types.KnownEntityKind(k) {
			return fault.Newf(fault.KindValidation, "unknown entity kind %q", k)
		}
	}
	if opts.DeduplicationThreshold != 0 && (opts.DeduplicationThreshold < 0 || opts.DeduplicationThreshold > 100) {
		return fault.New(fault.KindValidation, "deduplication threshold must be in [0,100]")
	}
	return nil
}

func (p *Processor) recordCancellation(result *types.ProcessingResult, entityName string) {
	rec := fault.RecordOf(fault.New(fault.KindCancelled, "processing cancelled"))
	if entityName != "" {
		rec.Context = map[string]string{"entity_name": fault.Redact(entityName)}
	}
	result.Errors = append(result.Errors, rec)
}

// effectiveMatcher applies a per-run threshold override.
func (p *Processor) effectiveMatcher(opts *Options) *match.Matcher {
	if opts.DeduplicationThreshold <= 0 {
		return p.matcher
	}
	low := p.matcher.LowThreshold()
	if low > opts.DeduplicationThreshold {
		low = opts.DeduplicationThreshold
	}
	return match.New(
		match.WithLowThreshold(low),
		match.WithHighThreshold(opts.DeduplicationThreshold),
	)
}

// upsertEntity runs dedup and write for one entity.
func (p *Processor) upsertEntity(ctx context.Context, transcript *types.Transcript, entity *types.Entity, state *runState) {
	result := state.result

	if !state.opts.kindAllowed(entity.Kind) {
		result.Skipped = append(result.Skipped, types.SkippedEntity{
			EntityName: entity.Name, EntityKind: entity.Kind, Reason: types.SkipKindNotAllowed,
		})
		return
	}
	databaseID, ok := p.databases[entity.Kind]
	if !ok {
		result.Skipped = append(result.Skipped, types.SkippedEntity{
			EntityName: entity.Name, EntityKind: entity.Kind, Reason: types.SkipKindNotAllowed,
		})
		result.Warnings = append(result.Warnings, fmt.Sprintf("no database configured for kind %s", entity.Kind))
		return
	}

	schema, err := p.store.Schema(ctx, databaseID)
	if err != nil {
		result.Errors = append(result.Errors, fault.RecordOf(err))
		return
	}
	titleProp := schema.TitleProperty()
	if titleProp == "" {
		result.Errors = append(result.Errors, fault.RecordOf(
			fault.Newf(fault.KindInternal, "database %s declares no title property", databaseID)))
		return
	}

	mapped := p.mapProperties(transcript, entity, schema, result)

	var outcome match.Outcome
	outcome.Decision = match.DecisionNoMatch
	if state.opts.deduplicate() {
		if ctx.Err() != nil {
			p.recordCancellation(result, entity.Name)
			return
		}
		pages, err := p.store.QueryAll(ctx, databaseID, nil)
		if err != nil {
			result.Errors = append(result.Errors, fault.RecordOf(err))
			return
		}
		outcome = p.effectiveMatcher(state.opts).Match(entity, match.Candidates(entity, pages))
	}

	switch outcome.Decision {
	case match.DecisionAmbiguous:
		ids := make([]string, 0, len(outcome.Candidates))
		for _, c := range outcome.Candidates {
			ids = append(ids, c.Page.ID)
		}
		result.Skipped = append(result.Skipped, types.SkippedEntity{
			EntityName:   entity.Name,
			EntityKind:   entity.Kind,
			Reason:       types.SkipAmbiguousMatch,
			CandidateIDs: ids,
		})
	case match.DecisionMatch:
		p.updateExisting(ctx, transcript, entity, outcome, databaseID, schema, mapped, state)
	default:
		p.createNew(ctx, entity, databaseID, titleProp, mapped, state)
	}
}

func (p *Processor) createNew(ctx context.Context, entity *types.Entity, databaseID, titleProp string, mapped map[string]any, state *runState) {
	result := state.result
	props := map[string]any{titleProp: entity.Name}
	for k, v := range mapped {
		if k == titleProp {
			continue
		}
		props[k] = v
	}

	if state.opts.DryRun {
		result.PlannedOps = append(result.PlannedOps, types.PlannedOp{
			Op: "create", EntityName: entity.Name, EntityKind: entity.Kind,
		})
		state.refs[refKey(entity.Kind, entity.Name)] = &localRef{
			ref: types.PageRef{DatabaseID: databaseID, Title: entity.Name},
		}
		return
	}
	if ctx.Err() != nil {
		p.recordCancellation(result, entity.Name)
		return
	}

	page, err := p.store.CreatePage(ctx, databaseID, props)
	if err != nil {
		result.Errors = append(result.Errors, fault.RecordOf(err))
		return
	}
	ref := types.PageRef{ID: page.ID, DatabaseID: page.DatabaseID, Title: page.Title()}
	result.Created = append(result.Created, ref)
	state.refs[refKey(entity.Kind, entity.Name)] = &localRef{page: page, ref: ref}
}

func (p *Processor) updateExisting(ctx context.Context, transcript *types.Transcript, entity *types.Entity, outcome match.Outcome, databaseID string, schema *types.DatabaseSchema, mapped map[string]any, state *runState) {
	result := state.result
	page := outcome.Page

	if existingTitle := page.Title(); existingTitle != "" && entity.Name != "" && existingTitle != entity.Name {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("title conflict on page %s: kept %q, extracted %q", page.ID, existingTitle, entity.Name))
	}

	changes := mergeProperties(mapped, page, schema, entity.Confidence, p.overwriteConfidence, transcript.ID)
	key := refKey(entity.Kind, entity.Name)

	if len(changes) == 0 {
		result.Skipped = append(result.Skipped, types.SkippedEntity{
			EntityName: entity.Name, EntityKind: entity.Kind, Reason: types.SkipNoChange,
		})
		state.refs[key] = &localRef{
			page:  page,
			ref:   types.PageRef{ID: page.ID, DatabaseID: page.DatabaseID, Title: page.Title()},
			score: outcome.Score,
		}
		return
	}

	if state.opts.DryRun {
		result.PlannedOps = append(result.PlannedOps, types.PlannedOp{
			Op: "update", EntityName: entity.Name, EntityKind: entity.Kind,
			PageID: page.ID, MatchScore: outcome.Score,
		})
		state.refs[key] = &localRef{
			page:  page,
			ref:   types.PageRef{ID: page.ID, DatabaseID: page.DatabaseID, Title: page.Title()},
			score: outcome.Score,
		}
		return
	}
	if ctx.Err() != nil {
		p.recordCancellation(result, entity.Name)
		return
	}

	updated, err := p.store.UpdatePage(ctx, page.ID, databaseID, changes)
	if err != nil {
		result.Errors = append(result.Errors, fault.RecordOf(err))
		return
	}
	ref := types.PageRef{ID: updated.ID, DatabaseID: updated.DatabaseID, Title: updated.Title()}
	result.Updated = append(result.Updated, ref)
	state.refs[key] = &localRef{page: updated, ref: ref, score: outcome.Score}
}

// mapProperties translates extracted property keys onto schema property
// names and normalizes date-valued strings. Unmapped keys become warnings.
func (p *Processor) mapProperties(transcript *types.Transcript, entity *types.Entity, schema *types.DatabaseSchema, result *types.ProcessingResult) map[string]any {
	byCanonical := make(map[string]string, len(schema.Properties))
	for name := range schema.Properties {
		byCanonical[canonicalKey(name)] = name
	}

	keys := make([]string, 0, len(entity.Properties))
	for k := range entity.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mapped := make(map[string]any, len(keys))
	for _, key := range keys {
		name, ok := byCanonical[canonicalKey(key)]
		if !ok {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("entity %q: property %q not declared by target schema, dropped", entity.Name, key))
			continue
		}
		value := entity.Properties[key]
		if schema.Properties[name].Kind == types.PropDate {
			if s, ok := value.(string); ok {
				dv := p.dates.normalize(s, transcript.Timestamp)
				if dv == nil {
					result.Warnings = append(result.Warnings,
						fmt.Sprintf("entity %q: unparseable date %q for %q, dropped", entity.Name, fault.Redact(s), name))
					continue
				}
				value = dv
			}
		}
		mapped[name] = value
	}
	return mapped
}

func canonicalKey(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

// linkEntity resolves and writes the entity's relationships. Resolution
// prefers pages touched in this run, then a single find_by_title per
// unresolved target.
func (p *Processor) linkEntity(ctx context.Context, entity *types.Entity, state *runState) {
	if len(entity.Relationships) == 0 {
		return
	}
	result := state.result

	source, ok := state.refs[refKey(entity.Kind, entity.Name)]
	if !ok {
		for _, rel := range entity.Relationships {
			result.Skipped = append(result.Skipped, types.SkippedEntity{
				EntityName: rel.TargetName, EntityKind: rel.TargetKind, Reason: types.SkipUnresolvedTarget,
			})
		}
		return
	}
	sourceDB := p.databases[entity.Kind]

	for _, rel := range entity.Relationships {
		if ctx.Err() != nil {
			p.recordCancellation(result, entity.Name)
			return
		}

		targetDB, ok := p.databases[rel.TargetKind]
		if !ok {
			result.Skipped = append(result.Skipped, types.SkippedEntity{
				EntityName: rel.TargetName, EntityKind: rel.TargetKind, Reason: types.SkipUnresolvedTarget,
			})
			continue
		}
		target := p.resolveTarget(ctx, rel, targetDB, state)
		if target == nil || (!state.opts.DryRun && target.ID == "") {
			result.Skipped = append(result.Skipped, types.SkippedEntity{
				EntityName: rel.TargetName, EntityKind: rel.TargetKind, Reason: types.SkipUnresolvedTarget,
			})
			continue
		}

		schema, err := p.store.Schema(ctx, sourceDB)
		if err != nil {
			result.Errors = append(result.Errors, fault.RecordOf(err))
			continue
		}
		relProp := relationPropertyFor(schema, targetDB)
		if relProp == "" {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("no relation property from database %s to %s for label %q", sourceDB, targetDB, rel.Label))
			result.Skipped = append(result.Skipped, types.SkippedEntity{
				EntityName: rel.TargetName, EntityKind: rel.TargetKind, Reason: types.SkipUnresolvedTarget,
			})
			continue
		}

		if state.opts.DryRun {
			result.PlannedOps = append(result.PlannedOps, types.PlannedOp{
				Op: "relate", EntityName: entity.Name, EntityKind: entity.Kind, PageID: target.ID,
			})
			continue
		}

		p.addRelation(ctx, source, sourceDB, relProp, target.ID, state)
	}
}

// addRelation unions the target id into the source page's relation list.
// The payload carries only the additive delta plus existing members, so a
// concurrent update from another transcript cannot lose links.
func (p *Processor) addRelation(ctx context.Context, source *localRef, sourceDB, relProp, targetID string, state *runState) {
	result := state.result
	if source.page == nil {
		return
	}

	var existing []string
	if pv, ok := source.page.Properties[relProp]; ok {
		existing = pv.Relation
	}
	for _, id := range existing {
		if id == targetID {
			return
		}
	}

	updated, err := p.store.UpdatePage(ctx, source.ref.ID, sourceDB, map[string]any{
		relProp: append(append([]string{}, existing...), targetID),
	})
	if err != nil {
		result.Errors = append(result.Errors, fault.RecordOf(err))
		return
	}
	source.page = updated
	result.RelationshipsCreated++
}

func (p *Processor) resolveTarget(ctx context.Context, rel types.Relationship, targetDB string, state *runState) *types.PageRef {
	if local, ok := state.refs[refKey(rel.TargetKind, rel.TargetName)]; ok {
		// In a dry run the ref may be a placeholder for a page that does
		// not exist yet; its ID is empty.
		return &local.ref
	}

	lookupKey := targetDB + "\x00" + rel.TargetName
	if page, seen := state.lookups[lookupKey]; seen {
		if page == nil {
			return nil
		}
		return &types.PageRef{ID: page.ID, DatabaseID: page.DatabaseID, Title: page.Title()}
	}

	page, err := p.store.FindByTitle(ctx, targetDB, rel.TargetName)
	if err != nil {
		state.result.Errors = append(state.result.Errors, fault.RecordOf(err))
		state.lookups[lookupKey] = nil
		return nil
	}
	state.lookups[lookupKey] = page
	if page == nil {
		return nil
	}
	return &types.PageRef{ID: page.ID, DatabaseID: page.DatabaseID, Title: page.Title()}
}

// relationPropertyFor picks the relation property targeting the given
// database, by sorted name for determinism.
func relationPropertyFor(schema *types.DatabaseSchema, targetDB string) string {
	names := make([]string, 0, len(schema.Properties))
	for name, entry := range schema.Properties {
		if entry.Kind == types.PropRelation && entry.RelationDatabaseID == targetDB {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return names[0]
}
