package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openmoor/moor/pkg/apiclient"
	"github.com/openmoor/moor/pkg/config"
	"github.com/openmoor/moor/pkg/entity"
	"github.com/openmoor/moor/pkg/policy"
	"github.com/openmoor/moor/pkg/providers"
	"github.com/openmoor/moor/pkg/providers/bucket"
	"github.com/openmoor/moor/pkg/providers/vm"
	"github.com/openmoor/moor/pkg/secrets"
	"github.com/openmoor/moor/pkg/stores"
	"github.com/openmoor/moor/pkg/telemetry"
)

// BuildInfo identifies the running binary. The commit doubles as the
// artifact fingerprint for definitions that pin no version themselves.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// Deps are the runner's collaborators. Config, Store, Registry and
// Telemetry are required; a nil Gate disables admission and a nil
// Secrets falls back to an in-memory store.
type Deps struct {
	Config    *config.Config
	Store     stores.Store
	Secrets   entity.SecretStore
	Registry  *entity.Registry
	Gate      *policy.Engine
	Telemetry *telemetry.Telemetry
	Build     BuildInfo
}

// Runner executes lifecycle verbs end to end: it shapes definition
// files into instances, gates them on admission policies, serializes
// execution through the store lease, dispatches to the lifecycle
// controller and persists the outcome. Every mutating verb leaves an
// invocation row and its lifecycle events in the store.
type Runner struct {
	cfg        *config.Config
	store      stores.Store
	secrets    entity.SecretStore
	registry   *entity.Registry
	controller *entity.Controller
	gate       *policy.Engine
	journal    *journal
	tel        *telemetry.Telemetry
	build      BuildInfo
	holder     string
}

// New wires a runner from explicit collaborators. The runner takes
// ownership of the store and the telemetry stack; Close releases both.
func New(deps Deps) (*Runner, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if deps.Telemetry == nil {
		return nil, fmt.Errorf("telemetry is required")
	}

	secretStore := deps.Secrets
	if secretStore == nil {
		secretStore = secrets.NewMemory()
	}

	logger := deps.Telemetry.Logger.Zerolog()
	j := newJournal(deps.Store, deps.Telemetry.Events, logger)

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}

	return &Runner{
		cfg:        deps.Config,
		store:      deps.Store,
		secrets:    secretStore,
		registry:   deps.Registry,
		controller: entity.NewController(deps.Registry, logger, j),
		gate:       deps.Gate,
		journal:    j,
		tel:        deps.Telemetry,
		build:      deps.Build,
		holder:     fmt.Sprintf("%s@%s:%d", deps.Config.Runner.Lease.Name, hostname, os.Getpid()),
	}, nil
}

// Open builds a fully wired runner from configuration: the telemetry
// stack with event fan-out, the store initialized and migrated, the
// secret chain, the provider catalog and the admission gate, watching
// policy files when configured.
func Open(ctx context.Context, cfg *config.Config, build BuildInfo) (r *Runner, err error) {
	tel, err := telemetry.NewTelemetry(cfg.Telemetry(build.Version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tel.Shutdown(context.Background())
		}
	}()

	logger := tel.Logger.Zerolog()
	tel.Events.Subscribe(telemetry.LogSubscriber(tel.Logger.NewComponentLogger("events")), nil)
	tel.Events.Subscribe(telemetry.MetricsSubscriber(tel.Metrics), nil)
	if err = tel.StartMetricsServer(); err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}

	store, err := stores.NewSQLiteStore(cfg.SQLite())
	if err != nil {
		return nil, fmt.Errorf("failed to configure store: %w", err)
	}
	if err = store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err != nil {
			_ = store.Close()
		}
	}()
	if err = store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	registry := entity.NewRegistry(logger)
	provDeps, err := providerDeps(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err = providers.Register(registry, provDeps); err != nil {
		return nil, fmt.Errorf("failed to register entity types: %w", err)
	}

	gate, err := policy.NewEngine(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build policy engine: %w", err)
	}
	if len(cfg.Policy.Paths) > 0 {
		if err = gate.LoadPaths(ctx, cfg.Policy.Paths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
		if cfg.Policy.Watch {
			loader := policy.NewLoader(logger)
			werr := loader.Watch(ctx, cfg.Policy.Paths, func(policies []policy.Policy) error {
				return gate.Replace(ctx, policies)
			})
			if werr != nil {
				logger.Warn().Err(werr).Msg("Policy watching unavailable, continuing without reload")
			}
		}
	}

	return New(Deps{
		Config:    cfg,
		Store:     store,
		Secrets:   secretChain(cfg),
		Registry:  registry,
		Gate:      gate,
		Telemetry: tel,
		Build:     build,
	})
}

// providerDeps builds provider clients for whichever backends the
// configuration names. Types whose backend stays unconfigured register
// anyway; their hooks fail classified at first use.
func providerDeps(ctx context.Context, cfg *config.Config) (providers.Deps, error) {
	var deps providers.Deps

	if cfg.Platform.BaseURL != "" {
		deps.Platform = apiclient.New(cfg.APIClient())
	}

	s3 := cfg.Providers.S3
	if s3.Endpoint != "" || s3.AccessKey != "" {
		client, err := bucket.NewClient(ctx, bucket.ClientConfig{
			Endpoint:     s3.Endpoint,
			Region:       s3.Region,
			AccessKey:    s3.AccessKey,
			SecretKey:    s3.SecretKey,
			UsePathStyle: s3.UsePathStyle,
		})
		if err != nil {
			return deps, fmt.Errorf("failed to build S3 client: %w", err)
		}
		deps.S3 = client
	}

	if cfg.Providers.Hcloud.Token != "" {
		deps.Hcloud = vm.NewClient(cfg.Providers.Hcloud.Token)
	}

	return deps, nil
}

// secretChain layers the configured secret backends: the JSON file
// first, the MOOR_SECRET_* environment behind it when enabled.
func secretChain(cfg *config.Config) entity.SecretStore {
	file := secrets.NewFile(cfg.Secrets.File)
	if !cfg.Secrets.EnvFallback {
		return file
	}
	return secrets.NewChain(file, secrets.NewEnv())
}

// Close flushes the event publisher and tracer and closes the store.
func (r *Runner) Close(ctx context.Context) error {
	var errs []error
	if err := r.tel.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	if err := r.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	return errors.Join(errs...)
}

// Create provisions a new instance from a definition file. A surviving
// record under the same reference blocks the create; delete it first.
// With wait set, the verb only succeeds once the instance reports
// ready under its type's polling policy.
func (r *Runner) Create(ctx context.Context, file *DefinitionFile, wait bool) (*entity.Instance, error) {
	inst, err := r.newInstance(file)
	if err != nil {
		return nil, err
	}

	prior, err := r.loadInstance(ctx, inst.Namespace, inst.Name)
	if err != nil && !entity.IsNotFound(err) {
		return nil, err
	}
	// Carry a surviving record into the verb so the controller's create
	// gate sees it. A deleted tombstone is no obstacle.
	if err == nil && prior.Status != entity.StatusDeleted {
		inst.State = prior.State
		inst.Status = prior.Status
	}

	err = r.run(ctx, inst, entity.VerbCreate, nil, func(ctx context.Context) error {
		before := inst.Status
		verbErr := r.persistOutcome(ctx, inst, before, r.controller.Create(ctx, inst))
		if verbErr != nil || !wait {
			return verbErr
		}
		return r.controller.AwaitReadiness(ctx, inst)
	})
	return inst, err
}

// Update reconciles a stored instance with a definition file. The
// stored record is authoritative for state and status; the file only
// contributes the new desired state.
func (r *Runner) Update(ctx context.Context, file *DefinitionFile, wait bool) (*entity.Instance, error) {
	desired, err := r.newInstance(file)
	if err != nil {
		return nil, err
	}
	inst, err := r.loadInstance(ctx, desired.Namespace, desired.Name)
	if err != nil {
		return nil, err
	}
	if inst.Type != file.Type {
		return nil, entity.NewInvalid(
			fmt.Sprintf("definition names type %q but %s is a %q", file.Type, inst.Ref(), inst.Type), nil,
		).WithCode(entity.CodeValidation).WithEntity(inst.Ref()).WithOp("update")
	}
	inst.Definition = desired.Definition

	err = r.run(ctx, inst, entity.VerbUpdate, nil, func(ctx context.Context) error {
		before := inst.Status
		verbErr := r.persistOutcome(ctx, inst, before, r.controller.Update(ctx, inst))
		if verbErr != nil || !wait {
			return verbErr
		}
		return r.controller.AwaitReadiness(ctx, inst)
	})
	return inst, err
}

// Apply creates the instance when no record exists and updates it
// otherwise. The verb actually run is returned for reporting.
func (r *Runner) Apply(ctx context.Context, file *DefinitionFile, wait bool) (entity.Verb, *entity.Instance, error) {
	namespace := file.Namespace
	if namespace == "" {
		namespace = r.cfg.Runner.DefaultNamespace
	}

	prior, err := r.store.GetEntity(ctx, namespace, file.Name)
	if err != nil && !entity.IsNotFound(err) {
		return "", nil, err
	}
	if err != nil || prior.Status == entity.StatusDeleted {
		inst, cerr := r.Create(ctx, file, wait)
		return entity.VerbCreate, inst, cerr
	}
	inst, uerr := r.Update(ctx, file, wait)
	return entity.VerbUpdate, inst, uerr
}

// Delete removes the backing resource and its record. The stored
// definition is authoritative, so labels cannot be stripped from a
// definition file to dodge deletion policies.
func (r *Runner) Delete(ctx context.Context, ref string) error {
	inst, err := r.refInstance(ctx, ref)
	if err != nil {
		return err
	}

	return r.run(ctx, inst, entity.VerbDelete, nil, func(ctx context.Context) error {
		before := inst.Status
		if verbErr := r.controller.Delete(ctx, inst); verbErr != nil {
			return r.persistOutcome(ctx, inst, before, verbErr)
		}
		if derr := r.store.DeleteEntity(context.WithoutCancel(ctx), inst.Namespace, inst.Name); derr != nil {
			return fmt.Errorf("resource removed but record not deleted: %w", derr)
		}
		return nil
	})
}

// Start runs the optional start hook of a ready instance.
func (r *Runner) Start(ctx context.Context, ref string) error {
	inst, err := r.refInstance(ctx, ref)
	if err != nil {
		return err
	}
	return r.run(ctx, inst, entity.VerbStart, nil, func(ctx context.Context) error {
		before := inst.Status
		return r.persistOutcome(ctx, inst, before, r.controller.Start(ctx, inst))
	})
}

// Stop runs the optional stop hook of a ready instance.
func (r *Runner) Stop(ctx context.Context, ref string) error {
	inst, err := r.refInstance(ctx, ref)
	if err != nil {
		return err
	}
	return r.run(ctx, inst, entity.VerbStop, nil, func(ctx context.Context) error {
		before := inst.Status
		return r.persistOutcome(ctx, inst, before, r.controller.Stop(ctx, inst))
	})
}

// InvokeAction dispatches a registered type-specific action against a
// stored instance and returns the action's result.
func (r *Runner) InvokeAction(ctx context.Context, ref, action string, args map[string]any) (any, error) {
	inst, err := r.refInstance(ctx, ref)
	if err != nil {
		return nil, err
	}

	var result any
	name := action
	err = r.run(ctx, inst, entity.VerbAction, &name, func(ctx context.Context) error {
		var invokeErr error
		result, invokeErr = r.controller.Invoke(ctx, inst, action, args)
		if invokeErr != nil {
			return invokeErr
		}
		// Actions may rewrite provider state, rotated credentials being
		// the canonical case.
		if perr := r.saveInstance(ctx, inst); perr != nil {
			return fmt.Errorf("action applied but state not persisted: %w", perr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Ready runs the read-only readiness probe against a stored instance.
func (r *Runner) Ready(ctx context.Context, ref string) (bool, error) {
	inst, err := r.refInstance(ctx, ref)
	if err != nil {
		return false, err
	}
	ready, err := r.controller.CheckReadiness(r.tel.WithContext(ctx), inst)
	r.tel.Metrics.RecordReadinessPoll(inst.Type, ready)
	return ready, err
}

// Alive runs the read-only liveness probe against a stored instance.
func (r *Runner) Alive(ctx context.Context, ref string) (bool, error) {
	inst, err := r.refInstance(ctx, ref)
	if err != nil {
		return false, err
	}
	return r.controller.CheckLiveness(r.tel.WithContext(ctx), inst)
}

// Get returns the stored record a reference names.
func (r *Runner) Get(ctx context.Context, ref string) (*stores.EntityRecord, error) {
	namespace, name, err := r.splitRef(ref)
	if err != nil {
		return nil, err
	}
	return r.store.GetEntity(ctx, namespace, name)
}

// ListFilter narrows List output. Zero fields match everything.
type ListFilter struct {
	Namespace string
	Type      string
	Status    string
	Limit     int
	Offset    int
}

// List returns the stored records matching the filter, ordered by
// namespace and name.
func (r *Runner) List(ctx context.Context, filter ListFilter) ([]*stores.EntityRecord, error) {
	var (
		namespace  *string
		entityType *string
		status     *entity.Status
	)
	if filter.Namespace != "" {
		namespace = &filter.Namespace
	}
	if filter.Type != "" {
		entityType = &filter.Type
	}
	if filter.Status != "" {
		s := entity.Status(filter.Status)
		if err := s.Validate(); err != nil {
			return nil, entity.NewInvalid(err.Error(), nil).WithCode(entity.CodeValidation)
		}
		status = &s
	}

	limit := filter.Limit
	if limit <= 0 {
		// SQLite reads a negative LIMIT as no limit.
		limit = -1
	}
	return r.store.ListEntities(ctx, namespace, entityType, status, limit, filter.Offset)
}

// Manifest returns the registered entity type catalog.
func (r *Runner) Manifest() []entity.ManifestEntry {
	return r.registry.Manifest()
}

// run executes one mutating verb under the full pipeline: instance
// lease, invocation row, admission gate, then fn. The verb span, the
// verb metrics and the scoped log context ride on ctx for everything
// below.
func (r *Runner) run(ctx context.Context, inst *entity.Instance, verb entity.Verb, action *string, fn func(ctx context.Context) error) (err error) {
	ctx = r.tel.WithContext(ctx)
	ctx = telemetry.WithVerbContext(ctx, string(verb), inst.Ref(), inst.Type)
	defer func() {
		status := string(stores.InvocationStatusSucceeded)
		if err != nil {
			status = string(stores.InvocationStatusFailed)
		}
		telemetry.EndVerbContext(ctx, string(verb), inst.Type, status, err)
	}()
	log := zerolog.Ctx(ctx)

	acquired, lockErr := r.store.AcquireLock(ctx, inst.Ref(), r.holder, r.cfg.Runner.Lease.TTL.Std())
	if lockErr != nil {
		return fmt.Errorf("failed to acquire lease for %s: %w", inst.Ref(), lockErr)
	}
	if !acquired {
		return entity.NewConflict(
			fmt.Sprintf("another runner holds the lease for %s", inst.Ref()), nil,
		).WithEntity(inst.Ref()).WithOp(string(verb))
	}
	defer func() {
		if rerr := r.store.ReleaseLock(context.WithoutCancel(ctx), inst.Ref(), r.holder); rerr != nil {
			log.Warn().Err(rerr).Str("entity", inst.Ref()).Msg("Lease release failed")
		}
	}()

	inv := &stores.Invocation{
		ID:         uuid.New().String(),
		Namespace:  inst.Namespace,
		Name:       inst.Name,
		EntityType: inst.Type,
		Verb:       verb,
		Action:     action,
		Status:     stores.InvocationStatusRunning,
		StartedAt:  time.Now().UTC(),
	}
	if ierr := r.store.CreateInvocation(ctx, inv); ierr != nil {
		return fmt.Errorf("failed to record invocation: %w", ierr)
	}
	r.journal.begin(inv.ID)
	defer r.journal.end()

	err = r.admit(ctx, verb, inst)
	if err == nil {
		err = fn(ctx)
	}

	completed := stores.InvocationStatusSucceeded
	var errText *string
	if err != nil {
		completed = stores.InvocationStatusFailed
		text := err.Error()
		errText = &text
	}
	if cerr := r.store.CompleteInvocation(context.WithoutCancel(ctx), inv.ID, completed, errText); cerr != nil {
		log.Warn().Err(cerr).Str("invocation_id", inv.ID).Msg("Invocation completion not recorded")
	}
	return err
}

// admit evaluates the admission gate for one verb dispatch. Warnings
// are logged; a denial is journaled as a failed-verb event under the
// current invocation and returned classified.
func (r *Runner) admit(ctx context.Context, verb entity.Verb, inst *entity.Instance) error {
	if r.gate == nil {
		return nil
	}
	result, err := r.gate.Evaluate(ctx, policy.NewInput(verb, inst))
	if err != nil {
		return fmt.Errorf("admission evaluation failed: %w", err)
	}

	log := zerolog.Ctx(ctx)
	for _, w := range result.Warnings {
		log.Warn().
			Str("policy", w.Policy).
			Str("entity", w.Entity).
			Msg(w.Message)
	}
	if result.Allowed {
		return nil
	}

	reasons := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		reasons = append(reasons, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	denial := entity.NewInvalid(
		fmt.Sprintf("admission denied: %s", strings.Join(reasons, "; ")), nil,
	).WithCode(entity.CodePolicyDenied).WithEntity(inst.Ref()).WithOp(string(verb))

	r.journal.Publish(ctx, entity.Event{
		Time:       time.Now().UTC(),
		Type:       entity.EventVerbFailed,
		Entity:     inst.Ref(),
		EntityType: inst.Type,
		Verb:       verb,
		Status:     inst.Status,
		Error:      denial.Error(),
	})
	return denial
}

// persistOutcome saves the instance after a verb ran. Nothing is
// written when the verb was rejected before touching the instance, so
// a blocked create never overwrites the stored record.
func (r *Runner) persistOutcome(ctx context.Context, inst *entity.Instance, before entity.Status, verbErr error) error {
	if verbErr != nil && inst.Status == before {
		return verbErr
	}
	if perr := r.saveInstance(ctx, inst); perr != nil {
		if verbErr == nil {
			return fmt.Errorf("verb succeeded but state not persisted: %w", perr)
		}
		zerolog.Ctx(ctx).Warn().Err(perr).
			Str("entity", inst.Ref()).
			Msg("Failed-verb state not persisted")
	}
	return verbErr
}

// saveInstance writes the instance's current record. The write ignores
// cancellation: state from a verb that already mutated the provider
// must land even when the verb's context died mid-flight.
func (r *Runner) saveInstance(ctx context.Context, inst *entity.Instance) error {
	rec, err := stores.NewEntityRecord(inst)
	if err != nil {
		return err
	}
	return r.store.UpsertEntity(context.WithoutCancel(ctx), rec)
}

// loadInstance reconstructs a stored instance and attaches the secret
// collaborator.
func (r *Runner) loadInstance(ctx context.Context, namespace, name string) (*entity.Instance, error) {
	rec, err := r.store.GetEntity(ctx, namespace, name)
	if err != nil {
		return nil, err
	}
	inst, err := rec.Instance()
	if err != nil {
		return nil, err
	}
	inst.Secrets = r.secrets
	return inst, nil
}

// refInstance loads the instance a reference names.
func (r *Runner) refInstance(ctx context.Context, ref string) (*entity.Instance, error) {
	namespace, name, err := r.splitRef(ref)
	if err != nil {
		return nil, err
	}
	return r.loadInstance(ctx, namespace, name)
}

// newInstance shapes a definition file into a runnable instance. A
// definition naming no namespace lands in the configured default; one
// carrying no meta block is pinned to the registered artifact version,
// with the build commit as the version fingerprint.
func (r *Runner) newInstance(file *DefinitionFile) (*entity.Instance, error) {
	def, err := file.definition()
	if err != nil {
		return nil, err
	}

	namespace := file.Namespace
	if namespace == "" {
		namespace = r.cfg.Runner.DefaultNamespace
	}

	if file.Meta == nil {
		desc, derr := r.registry.Get(file.Type)
		if derr != nil {
			return nil, derr
		}
		def.Meta = entity.Meta{Version: desc.Version, VersionHash: r.build.Commit}
	}

	return &entity.Instance{
		Namespace:  namespace,
		Name:       file.Name,
		Type:       file.Type,
		Definition: def,
		State:      &entity.State{},
		Status:     entity.StatusUninitialized,
		Secrets:    r.secrets,
	}, nil
}

// splitRef resolves a "namespace/name" or bare "name" reference.
func (r *Runner) splitRef(ref string) (namespace, name string, err error) {
	parts := strings.Split(ref, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return r.cfg.Runner.DefaultNamespace, parts[0], nil
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return parts[0], parts[1], nil
	default:
		return "", "", entity.NewInvalid(
			fmt.Sprintf("invalid entity reference %q, want \"name\" or \"namespace/name\"", ref), nil,
		).WithCode(entity.CodeValidation)
	}
}
