// Package installer implements §6's external API: an opaque installer
// handle over open source/target repositories, exposing Install,
// Configure, Repair and Verify as one Execute entry point. It is
// grounded on the teacher's pkg/control.Server: a mutex-guarded
// handle holder dispatching typed operations, generalized from one
// JSON-RPC connection per agent to one in-process handle table per
// installer, since §6 specifies a direct function-call API rather
// than a wire protocol.
package installer

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Anteru/kyla/pkg/catalog"
	"github.com/Anteru/kyla/pkg/configure"
	"github.com/Anteru/kyla/pkg/kylaerr"
	"github.com/Anteru/kyla/pkg/kylalog"
	"github.com/Anteru/kyla/pkg/kyuuid"
	"github.com/Anteru/kyla/pkg/source"
	"github.com/Anteru/kyla/pkg/sqlindex"
	"github.com/Anteru/kyla/pkg/target"
	"github.com/Anteru/kyla/pkg/validate"
)

// ResultCode is the boundary-safe outcome of Execute and every
// property accessor: internal errors from these calls never cross as
// raw Go errors, they are always translated to one of these four (§6).
// The Open*Repository and CloseRepository calls return Go errors.
type ResultCode int

const (
	Ok ResultCode = iota
	ErrorResult
	ErrorInvalidArgument
	ErrorUnsupportedApiVersion
)

func (r ResultCode) String() string {
	switch r {
	case Ok:
		return "Ok"
	case ErrorResult:
		return "Error"
	case ErrorInvalidArgument:
		return "ErrorInvalidArgument"
	case ErrorUnsupportedApiVersion:
		return "ErrorUnsupportedApiVersion"
	default:
		return "ErrorUnknown"
	}
}

// Action is one of the four operations Execute dispatches (§6).
type Action int

const (
	Install Action = iota
	Configure
	Repair
	Verify
)

// OpenOptions is the bitset open_source_repository/open_target_repository
// accept (§6).
type OpenOptions int

const (
	Create OpenOptions = 1 << iota
	ReadOnly
)

// RepositoryProperty identifies a get/set_repository_property target (§6).
type RepositoryProperty int

const (
	PropAvailableFeatures RepositoryProperty = iota
	PropIsEncrypted
	PropDecryptionKey
)

// FeatureProperty identifies a get_feature_property target (§6).
type FeatureProperty int

const (
	PropSize FeatureProperty = iota
	PropDependencies
)

// DependencyRelation is the only relation kind §6 defines.
type DependencyRelation int

const (
	Requires DependencyRelation = iota
)

// FeatureDependency is one entry of the Dependencies feature property.
type FeatureDependency struct {
	SourceUUID kyuuid.UUID
	TargetUUID kyuuid.UUID
	Relation   DependencyRelation
}

// ProgressEvent is delivered to the progress callback (§6).
type ProgressEvent struct {
	TotalProgress float64
	Action        Action
	Detail        string
}

// ValidationEvent is delivered to the validation callback (§6).
type ValidationEvent struct {
	Result   validate.Status
	Filename string
}

// Handle identifies an open repository.
type Handle uint64

type layoutKind int

const (
	layoutLoose layoutKind = iota
	layoutPacked
	layoutDeployed
	layoutRemote
)

// repository is everything the installer needs to use one open
// handle, whichever of source/target role it plays.
type repository struct {
	kind       layoutKind
	path       string
	readOnly   bool
	db         *sqlindex.DB
	cat        *catalog.Catalog
	reader     source.Reader // set for anything usable as a Configure/Install source
	writer     *target.Target
	passphrase string
	tempIndex  string // non-empty: a downloaded remote index to remove on close
}

// Installer is the opaque handle set §6 describes. It is not
// thread-safe across concurrent Execute calls against the same
// repository handle (§5: "the repository handle is not thread-safe"),
// but the handle table itself is guarded so opening/closing from
// different goroutines is safe.
type Installer struct {
	mu         sync.Mutex
	log        kylalog.Sink
	progress   func(ProgressEvent)
	validation func(ValidationEvent)
	repos      map[Handle]*repository
	next       Handle
}

// New creates an installer with no repositories open and every
// callback defaulted to a no-op.
func New() *Installer {
	return &Installer{
		log:   kylalog.Discard,
		repos: make(map[Handle]*repository),
		next:  1,
	}
}

// SetLogCallback registers the sink library code logs through (§6
// set_log_callback). Passing nil restores the discard sink.
func (in *Installer) SetLogCallback(sink kylalog.Sink) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if sink == nil {
		sink = kylalog.Discard
	}
	in.log = sink
}

// SetProgressCallback registers the callback Execute reports overall
// progress through (§6 set_progress_callback). Passing nil disables
// progress reporting.
func (in *Installer) SetProgressCallback(cb func(ProgressEvent)) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.progress = cb
}

// SetValidationCallback registers the callback Verify/Repair report
// per-file validation results through (§6 set_validation_callback).
func (in *Installer) SetValidationCallback(cb func(ValidationEvent)) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.validation = cb
}

func (in *Installer) emitProgress(evt ProgressEvent) {
	in.mu.Lock()
	cb := in.progress
	in.mu.Unlock()
	if cb != nil {
		cb(evt)
	}
}

func (in *Installer) emitValidation(evt ValidationEvent) {
	in.mu.Lock()
	cb := in.validation
	in.mu.Unlock()
	if cb != nil {
		cb(evt)
	}
}

func (in *Installer) logf(severity kylalog.Severity, source, message string) {
	in.mu.Lock()
	sink := in.log
	in.mu.Unlock()
	sink.Log(kylalog.Entry{Severity: severity, Source: source, Message: message, Timestamp: time.Now()})
}

func (in *Installer) register(r *repository) Handle {
	in.mu.Lock()
	defer in.mu.Unlock()
	h := in.next
	in.next++
	in.repos[h] = r
	return h
}

func (in *Installer) lookup(h Handle) (*repository, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	r, ok := in.repos[h]
	return r, ok
}

// OpenSourceRepository opens path as a read-only source (§1: a source
// repository is always read-only). A path beginning with "http" opens
// a remote Packed repository, fetching its index over a plain GET and
// its chunk payloads via ranged reads (§6: "Path starting with http
// opens a remote repository").
func (in *Installer) OpenSourceRepository(path string, options OpenOptions) (Handle, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		repo, err := openRemoteSource(path)
		if err != nil {
			return 0, err
		}
		return in.register(repo), nil
	}

	kind, err := detectLayout(path)
	if err != nil {
		return 0, err
	}

	repo, err := openLocalRepository(path, kind, true)
	if err != nil {
		return 0, err
	}

	switch kind {
	case layoutLoose:
		repo.reader = source.NewLooseReader(filepath.Join(path, ".ky", "objects"))
	case layoutPacked:
		repo.reader = source.NewPackedLocalReader(path)
	case layoutDeployed:
		repo.reader = source.NewDeployedReader(path)
	}
	return in.register(repo), nil
}

// OpenTargetRepository opens path as a target of Install/Configure/
// Repair. Only a Deployed target is supported (§9 Open Question,
// SUPPLEMENTED decision). With Create, a missing target directory and
// its index are created immediately, when the handle is opened, not
// deferred to Execute(Install).
func (in *Installer) OpenTargetRepository(path string, options OpenOptions) (Handle, error) {
	idxPath := filepath.Join(path, "k.db")
	_, statErr := os.Stat(idxPath)
	exists := statErr == nil

	if !exists && options&Create == 0 {
		return 0, kylaerr.NotFoundf("target repository index does not exist at %s and Create was not requested", idxPath)
	}

	if !exists {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return 0, kylaerr.Wrap(kylaerr.Io, "creating target repository directory", err)
		}
	}

	db, err := sqlindex.Open(idxPath)
	if err != nil {
		return 0, err
	}
	if err := db.CreateSchema(context.Background()); err != nil {
		db.Close()
		return 0, err
	}

	repo := &repository{
		kind:   layoutDeployed,
		path:   path,
		db:     db,
		cat:    catalog.New(db),
		writer: target.New(path),
	}
	return in.register(repo), nil
}

// CloseRepository releases every resource a handle holds.
func (in *Installer) CloseRepository(h Handle) error {
	in.mu.Lock()
	repo, ok := in.repos[h]
	if ok {
		delete(in.repos, h)
	}
	in.mu.Unlock()

	if !ok {
		return kylaerr.InvalidArgumentf("unknown repository handle")
	}
	if repo.reader != nil {
		if err := repo.reader.Close(); err != nil {
			return err
		}
	}
	if repo.db != nil {
		if err := repo.db.Close(); err != nil {
			return err
		}
	}
	if repo.tempIndex != "" {
		os.Remove(repo.tempIndex)
	}
	return nil
}

func detectLayout(path string) (layoutKind, error) {
	if _, err := os.Stat(filepath.Join(path, "repository.db")); err == nil {
		return layoutPacked, nil
	}
	if _, err := os.Stat(filepath.Join(path, ".ky", "repository.db")); err == nil {
		return layoutLoose, nil
	}
	if _, err := os.Stat(filepath.Join(path, "k.db")); err == nil {
		return layoutDeployed, nil
	}
	return 0, kylaerr.NotFoundf("no repository index found under %s", path)
}

func indexPathForLayout(path string, kind layoutKind) string {
	switch kind {
	case layoutLoose:
		return filepath.Join(path, ".ky", "repository.db")
	case layoutPacked:
		return filepath.Join(path, "repository.db")
	default:
		return filepath.Join(path, "k.db")
	}
}

func openLocalRepository(path string, kind layoutKind, readOnly bool) (*repository, error) {
	idxPath := indexPathForLayout(path, kind)
	var db *sqlindex.DB
	var err error
	if readOnly {
		db, err = sqlindex.OpenReadOnly(idxPath)
	} else {
		db, err = sqlindex.Open(idxPath)
	}
	if err != nil {
		return nil, err
	}
	return &repository{kind: kind, path: path, readOnly: readOnly, db: db, cat: catalog.New(db)}, nil
}

// openRemoteSource fetches a remote Packed repository's index over a
// plain GET to <baseURL>/repository.db (SUPPLEMENTED: §6 only defines
// ranged chunk reads for a remote source; the index itself must still
// be retrieved once before Configure can compute a pending set, and a
// whole-file GET is the natural complement to the ranged reads
// PackedRemoteReader already performs for chunk payloads).
func openRemoteSource(baseURL string) (*repository, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	resp, err := http.Get(baseURL + "/repository.db")
	if err != nil {
		return nil, kylaerr.Wrap(kylaerr.Io, "fetching remote repository index", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, kylaerr.NotFoundf("remote repository index not found (HTTP %d)", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "kyla-remote-index-*.db")
	if err != nil {
		return nil, kylaerr.Wrap(kylaerr.Io, "creating temp file for remote index", err)
	}
	defer tmp.Close()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		os.Remove(tmp.Name())
		return nil, kylaerr.Wrap(kylaerr.Io, "downloading remote repository index", err)
	}

	db, err := sqlindex.OpenReadOnly(tmp.Name())
	if err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}

	return &repository{
		kind:      layoutRemote,
		path:      baseURL,
		readOnly:  true,
		db:        db,
		cat:       catalog.New(db),
		reader:    source.NewPackedRemoteReader(baseURL, source.DefaultConfig()),
		tempIndex: tmp.Name(),
	}, nil
}

// GetAvailableFeatures returns every feature UUID a repository offers
// (§6 get_repository_property AvailableFeatures).
func (in *Installer) GetAvailableFeatures(h Handle) ([]kyuuid.UUID, ResultCode) {
	repo, ok := in.lookup(h)
	if !ok {
		return nil, ErrorInvalidArgument
	}
	features, err := repo.cat.ListFeatures(context.Background(), nil)
	if err != nil {
		return nil, translate(err)
	}
	ids := make([]kyuuid.UUID, len(features))
	for i, f := range features {
		ids[i] = f.Id
	}
	return ids, Ok
}

// IsEncrypted reports whether any chunk in the repository carries an
// encryption side row (§6 get_repository_property IsEncrypted).
func (in *Installer) IsEncrypted(h Handle) (bool, ResultCode) {
	repo, ok := in.lookup(h)
	if !ok {
		return false, ErrorInvalidArgument
	}
	row := repo.db.Raw().QueryRow(`SELECT EXISTS(SELECT 1 FROM fs_chunk_encryption LIMIT 1)`)
	var encrypted bool
	if err := row.Scan(&encrypted); err != nil {
		return false, translate(kylaerr.Wrap(kylaerr.IndexError, "querying encryption state", err))
	}
	return encrypted, Ok
}

// SetDecryptionKey stores the passphrase used to decrypt the
// repository's encrypted chunks (§6 set_repository_property
// DecryptionKey). It has no effect on a repository opened without
// encryption.
func (in *Installer) SetDecryptionKey(h Handle, passphrase string) ResultCode {
	repo, ok := in.lookup(h)
	if !ok {
		return ErrorInvalidArgument
	}
	repo.passphrase = passphrase
	return Ok
}

// GetFeatureSize sums the size of every content a feature's files
// reference (§6 get_feature_property Size).
func (in *Installer) GetFeatureSize(h Handle, featureId kyuuid.UUID) (int64, ResultCode) {
	repo, ok := in.lookup(h)
	if !ok {
		return 0, ErrorInvalidArgument
	}
	ctx := context.Background()
	files, err := repo.cat.ListFilesByFeature(ctx, nil, featureId)
	if err != nil {
		return 0, translate(err)
	}
	var total int64
	seen := map[int64]bool{}
	for _, f := range files {
		if seen[f.ContentId] {
			continue
		}
		seen[f.ContentId] = true
		content, err := repo.cat.GetContent(ctx, nil, f.ContentId)
		if err != nil {
			return 0, translate(err)
		}
		total += content.Size
	}
	return total, Ok
}

// GetFeatureDependencies returns every feature a feature directly
// requires (§6 get_feature_property Dependencies).
func (in *Installer) GetFeatureDependencies(h Handle, featureId kyuuid.UUID) ([]FeatureDependency, ResultCode) {
	repo, ok := in.lookup(h)
	if !ok {
		return nil, ErrorInvalidArgument
	}
	deps, err := repo.cat.ListDependencies(context.Background(), nil, featureId)
	if err != nil {
		return nil, translate(err)
	}
	out := make([]FeatureDependency, len(deps))
	for i, dep := range deps {
		out[i] = FeatureDependency{SourceUUID: featureId, TargetUUID: dep, Relation: Requires}
	}
	return out, Ok
}

// translate maps an internal error to one of the four §6 result
// codes; nil maps to Ok.
func translate(err error) ResultCode {
	if err == nil {
		return Ok
	}
	if kylaerr.OfKind(err, kylaerr.InvalidArgument) {
		return ErrorInvalidArgument
	}
	return ErrorResult
}

// Execute runs one action against an open target handle, pulling
// content from an open source handle as needed (§6). desired names
// the feature set Install/Configure should converge the target to;
// it is ignored by Repair and Verify, which operate on whatever
// feature set the target's index currently records.
func (in *Installer) Execute(ctx context.Context, action Action, targetHandle, sourceHandle Handle, desired []kyuuid.UUID) ResultCode {
	target, ok := in.lookup(targetHandle)
	if !ok {
		return ErrorInvalidArgument
	}

	switch action {
	case Install, Configure:
		source, ok := in.lookup(sourceHandle)
		if !ok {
			return ErrorInvalidArgument
		}
		return translate(in.runConfigure(ctx, target, source, desired))
	case Repair:
		source, ok := in.lookup(sourceHandle)
		if !ok {
			return ErrorInvalidArgument
		}
		return translate(in.runRepair(ctx, target, source))
	case Verify:
		return translate(in.runVerify(ctx, target))
	default:
		return ErrorInvalidArgument
	}
}

func (in *Installer) runConfigure(ctx context.Context, tgt, src *repository, desired []kyuuid.UUID) error {
	in.emitProgress(ProgressEvent{Action: Configure, Detail: "starting"})
	engine := configure.New(configure.LayoutDeployed, tgt.writer, tgt.cat, src.cat, src.reader, func(msg string) {
		in.logf(kylalog.Info, "configure", msg)
	})
	engine.Passphrase = src.passphrase
	err := engine.Run(ctx, desired)
	in.emitProgress(ProgressEvent{Action: Configure, TotalProgress: 1, Detail: "done"})
	return err
}

// runRepair brings a target back to an all-Ok Verify state: every
// file Verify reports as Missing or Corrupted is dropped from the
// target's index, then Configure is re-run against the target's
// current feature set so the dropped rows are refetched from source
// (SUPPLEMENTED simplification: rather than a bespoke per-file repair
// algorithm, Repair reduces to "evict the bad rows, then Configure").
func (in *Installer) runRepair(ctx context.Context, tgt, src *repository) error {
	validator := validate.New(tgt.path, tgt.cat)

	var badPaths []string
	err := validator.Run(ctx, func(res validate.Result) {
		in.emitValidation(ValidationEvent{Result: res.Status, Filename: res.Path})
		if res.Status != validate.Ok {
			badPaths = append(badPaths, res.Path)
		}
	})
	if err != nil {
		return err
	}

	for _, path := range badPaths {
		entries, err := tgt.cat.ListFilesByPath(ctx, nil, path)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := tgt.cat.DeleteFile(ctx, nil, entry.Id); err != nil {
				return err
			}
		}
	}

	features, err := tgt.cat.ListFeatures(ctx, nil)
	if err != nil {
		return err
	}
	ids := make([]kyuuid.UUID, len(features))
	for i, f := range features {
		ids[i] = f.Id
	}

	return in.runConfigure(ctx, tgt, src, ids)
}

// runVerify reports every file's status through the validation
// callback and only raises an error for an index-access failure
// (§7: "Validate never raises for per-file problems").
func (in *Installer) runVerify(ctx context.Context, tgt *repository) error {
	validator := validate.New(tgt.path, tgt.cat)
	return validator.Run(ctx, func(res validate.Result) {
		in.emitValidation(ValidationEvent{Result: res.Status, Filename: res.Path})
	})
}
