package cairnd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"cairn/internal/cairn"
)

// UserDirectory is the surface the reconciler consumes: the current set
// of known owners.
type UserDirectory interface {
	ListUsers() []cairn.Owner
}

/////
// Canonical paths

// The fixed directory set forms the implicit schema of the root
// archive; other subsystems depend on these exact names. Parents
// precede children so they can be ensured in order.
const (
	AppRoot      = "cairn"
	SystemRoot   = "cairn/system"
	CacheRoot    = "cairn/cache"
	LibraryRoot  = "library"
	SettingsRoot = "settings"
	OwnersRoot   = "owners"

	// DefaultOwnerName is the alias entry under OwnersRoot that tracks
	// whichever owner is flagged default.
	DefaultOwnerName = "default"
)

var fixedPaths = []string{
	AppRoot,
	SystemRoot,
	CacheRoot,
	LibraryRoot,
	SettingsRoot,
	OwnersRoot,
}

func OwnerPath(label string) string {
	return OwnersRoot + "/" + label
}

/////
// Reconciliation report

// Outcome classifies what one ensure step did.
type Outcome int

const (
	OutcomeCreated Outcome = iota
	OutcomeAlreadyCorrect
	OutcomeReassigned
	OutcomeRemoved
	OutcomeConflict
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeAlreadyCorrect:
		return "already-correct"
	case OutcomeReassigned:
		return "reassigned"
	case OutcomeRemoved:
		return "removed"
	case OutcomeConflict:
		return "conflict"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// StepResult records one ensure step of a reconciliation pass.
type StepResult struct {
	Op      string
	Path    string
	Outcome Outcome
	Err     error
}

// ReconcileReport collects the step results of one pass. Reconciliation
// never aborts on conflicts or per-path failures; the report is how
// callers observe them.
type ReconcileReport struct {
	Steps []StepResult
}

func (r *ReconcileReport) add(op, path string, outcome Outcome, err error) {
	r.Steps = append(r.Steps, StepResult{Op: op, Path: path, Outcome: outcome, Err: err})

	switch outcome {
	case OutcomeConflict:
		log.Printf("Topology conflict at %s: %v", path, err)
	case OutcomeFailed:
		log.Printf("Topology %s failed at %s: %v", op, path, err)
	}
}

func (r *ReconcileReport) Conflicts() []StepResult {
	return r.filter(OutcomeConflict)
}

func (r *ReconcileReport) Failures() []StepResult {
	return r.filter(OutcomeFailed)
}

func (r *ReconcileReport) filter(outcome Outcome) []StepResult {
	var matches []StepResult
	for _, step := range r.Steps {
		if step.Outcome == outcome {
			matches = append(matches, step)
		}
	}
	return matches
}

// Find returns the last step recorded for a path, or nil.
func (r *ReconcileReport) Find(path string) *StepResult {
	for i := len(r.Steps) - 1; i >= 0; i-- {
		if r.Steps[i].Path == path {
			return &r.Steps[i]
		}
	}
	return nil
}

/////
// Module stuff

// ErrAllocationExhausted means the bounded search for a free name ran
// out of candidates. It is the one reconciler error treated as fatal:
// it indicates pathological namespace state, not transient drift.
var ErrAllocationExhausted = errors.New("name allocation exhausted")

const maxNameAttempts = 1 << 20

type TopologyModuleConfig struct {
	ProfileID          string `json:"profileId,omitempty"`
	AllowRemoteResolve bool   `json:"allowRemoteResolve,omitempty"`
}

// TopologyModule converges the root archive's namespace to the desired
// topology: the fixed directory set, one mount per non-temporary owner
// under OwnersRoot (plus the default alias), and library entries added
// at runtime. Safe to re-run on every start; never deletes or
// overwrites nodes it doesn't understand.
type TopologyModule struct {
	config   *TopologyModuleConfig
	server   *Server
	resolver cairn.KeyResolver
	userdir  UserDirectory

	archive    cairn.Archive
	archiveMtx sync.RWMutex

	// Serializes probe-and-claim name allocation.
	allocMtx sync.Mutex

	lastReport *ReconcileReport
	reportMtx  sync.Mutex
}

func NewTopologyModule(server *Server, config *TopologyModuleConfig) *TopologyModule {
	return &TopologyModule{
		config:   config,
		server:   server,
		resolver: server.Resolver,
	}
}

func (*TopologyModule) GetModuleName() string {
	return "topology"
}

func (tm *TopologyModule) GetConfig() any {
	return tm.config
}

func (*TopologyModule) GetDependencies() []*Dependency {
	return []*Dependency{
		{
			ModuleType: "userdir",
			Type:       DependAutoCreate,
			ConfigGenerator: func(parentModule Module) (json.RawMessage, error) {
				return json.Marshal(map[string]any{"type": "userdir"})
			},
		},
	}
}

func (tm *TopologyModule) Start() error {
	if tm.userdir == nil {
		if modules := tm.server.GetModules("userdir"); len(modules) > 0 {
			if userDir, ok := modules[0].(*UserDirModule); ok {
				tm.userdir = userDir
				userDir.OnMembershipChange(tm.handleMembershipChange)
			}
		}
	}

	report := tm.Setup()
	if failures := report.Failures(); len(failures) > 0 {
		log.Printf("Topology setup finished with %d failed steps", len(failures))
	}

	return nil
}

func (tm *TopologyModule) Stop() error {
	if err := tm.checkpoint(); err != nil {
		log.Printf("Error checkpointing root archive: %v", err)
	}
	return nil
}

func (tm *TopologyModule) profileID() string {
	if tm.config.ProfileID != "" {
		return tm.config.ProfileID
	}
	return tm.server.Profiles.DefaultProfileID()
}

/////
// Root archive lifecycle

// openRootArchive adopts the root archive recorded in the profile, or
// on first run creates one and records its address. Once an address is
// known the archive is never recreated.
func (tm *TopologyModule) openRootArchive() error {
	tm.archiveMtx.Lock()
	defer tm.archiveMtx.Unlock()

	if tm.archive != nil {
		return nil
	}

	record, exists := tm.server.Profiles.Get(tm.profileID())
	if exists && record.RootAddr != "" {
		rootAddr, err := cairn.ParseBlobAddr(record.RootAddr)
		if err != nil {
			return fmt.Errorf("bad root address in profile: %v", err)
		}

		archive, err := cairn.DeserializeTreeArchive(tm.server.BlobStore, rootAddr)
		if err != nil {
			return fmt.Errorf("failed to open root archive %s: %v", record.RootAddr, err)
		}

		tm.archive = archive
		return nil
	}

	archive := cairn.EmptyTreeArchive(tm.server.BlobStore)
	addr, err := archive.Checkpoint()
	if err != nil {
		return fmt.Errorf("failed to create root archive: %v", err)
	}

	err = tm.server.Profiles.Update(tm.profileID(), ProfileRecord{RootAddr: addr.String()})
	if err != nil {
		return fmt.Errorf("failed to record root archive address: %v", err)
	}

	tm.archive = archive
	return nil
}

// GetRootArchive returns the active root archive, nil before Setup.
func (tm *TopologyModule) GetRootArchive() cairn.Archive {
	tm.archiveMtx.RLock()
	defer tm.archiveMtx.RUnlock()

	return tm.archive
}

// IsRootAddress reports whether candidate is this profile's root
// archive address: either the persisted checkpoint or the current
// in-memory root.
func (tm *TopologyModule) IsRootAddress(candidate string) bool {
	if record, exists := tm.server.Profiles.Get(tm.profileID()); exists {
		if record.RootAddr == candidate {
			return true
		}
	}

	tm.archiveMtx.RLock()
	archive := tm.archive
	tm.archiveMtx.RUnlock()

	if archive == nil {
		return false
	}

	addr, err := archive.RootAddr()
	return err == nil && addr.String() == candidate
}

// checkpoint persists the current root address to the profile record.
// No-op for archives that aren't checkpointable (test fakes).
func (tm *TopologyModule) checkpoint() error {
	tm.archiveMtx.RLock()
	archive := tm.archive
	tm.archiveMtx.RUnlock()

	treeArchive, ok := archive.(*cairn.TreeArchive)
	if !ok {
		return nil
	}

	addr, err := treeArchive.Checkpoint()
	if err != nil {
		return err
	}

	return tm.server.Profiles.Update(tm.profileID(), ProfileRecord{RootAddr: addr.String()})
}

/////
// Ensure primitives

// probe normalizes Stat to a NodeInfo that never fails: absence and
// lookup errors both come back as KindAbsent. Every caller treats "not
// there" as an expected outcome, not an error.
func (tm *TopologyModule) probe(path string) cairn.NodeInfo {
	info, err := tm.archive.Stat(path)
	if err != nil {
		return cairn.NodeInfo{Kind: cairn.KindAbsent}
	}
	return info
}

func (tm *TopologyModule) ensureDirectory(report *ReconcileReport, path string) {
	info := tm.probe(path)

	switch info.Kind {
	case cairn.KindAbsent:
		if err := tm.archive.Mkdir(path); err != nil {
			report.add("directory", path, OutcomeFailed, err)
			return
		}
		report.add("directory", path, OutcomeCreated, nil)

	case cairn.KindDirectory:
		report.add("directory", path, OutcomeAlreadyCorrect, nil)

	default:
		// Not ours to fix: leave whatever the user has there alone.
		report.add("directory", path, OutcomeConflict,
			fmt.Errorf("%s is a %s, expected a directory", path, info.Kind))
	}
}

func (tm *TopologyModule) ensureMount(report *ReconcileReport, path string, address string) {
	key, err := tm.resolver.Resolve(address, tm.config.AllowRemoteResolve)
	if err != nil {
		report.add("mount", path, OutcomeFailed,
			fmt.Errorf("can't resolve address %s: %v", address, err))
		return
	}

	info := tm.probe(path)

	switch {
	case info.Kind == cairn.KindAbsent:
		if err := tm.archive.Mount(path, key); err != nil {
			report.add("mount", path, OutcomeFailed, err)
			return
		}
		report.add("mount", path, OutcomeCreated, nil)

	case info.Kind == cairn.KindMount && info.Target == key:
		report.add("mount", path, OutcomeAlreadyCorrect, nil)

	case info.Kind == cairn.KindMount:
		// Detach then attach. A crash between the two leaves the path
		// unmounted; the next pass re-attaches.
		if err := tm.archive.Unmount(path); err != nil {
			report.add("mount", path, OutcomeFailed, err)
			return
		}
		if err := tm.archive.Mount(path, key); err != nil {
			report.add("mount", path, OutcomeFailed, err)
			return
		}
		report.add("mount", path, OutcomeReassigned, nil)

	default:
		report.add("mount", path, OutcomeConflict,
			fmt.Errorf("%s is a %s, expected a mount", path, info.Kind))
	}
}

func (tm *TopologyModule) ensureUnmount(report *ReconcileReport, path string) {
	info := tm.probe(path)
	if info.Kind != cairn.KindMount {
		report.add("unmount", path, OutcomeAlreadyCorrect, nil)
		return
	}

	if err := tm.archive.Unmount(path); err != nil {
		report.add("unmount", path, OutcomeFailed, err)
		return
	}
	report.add("unmount", path, OutcomeRemoved, nil)
}

// allocateName finds a free slug-style name for title under
// containingPath: the slug itself, then slug-2, slug-3, and so on.
// Callers hold allocMtx across allocation and the claim.
func (tm *TopologyModule) allocateName(containingPath, title string) (string, error) {
	slug := cairn.Slugify(title)

	for i := 1; i <= maxNameAttempts; i++ {
		candidate := slug
		if i > 1 {
			candidate = fmt.Sprintf("%s-%d", slug, i)
		}

		if tm.probe(containingPath+"/"+candidate).Kind == cairn.KindAbsent {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w for %q under %s", ErrAllocationExhausted, slug, containingPath)
}

/////
// Reconciliation passes

// Setup converges the root archive to the desired topology. Best
// effort: it never fails outward; every step's result lands in the
// returned report.
func (tm *TopologyModule) Setup() *ReconcileReport {
	report := &ReconcileReport{}
	defer tm.setLastReport(report)

	if err := tm.openRootArchive(); err != nil {
		report.add("setup", "", OutcomeFailed, err)
		return report
	}

	owners := tm.listOwners()

	for _, path := range fixedPaths {
		tm.ensureDirectory(report, path)
	}

	desired := make(map[string]bool)
	for _, owner := range owners {
		if owner.Temporary {
			continue
		}

		tm.ensureMount(report, OwnerPath(owner.Label), owner.Address)
		desired[owner.Label] = true

		if owner.Default {
			tm.ensureMount(report, OwnerPath(DefaultOwnerName), owner.Address)
			desired[DefaultOwnerName] = true
		}
	}

	tm.sweepStaleMounts(report, desired)

	if err := tm.checkpoint(); err != nil {
		report.add("checkpoint", "", OutcomeFailed, err)
	}

	return report
}

// sweepStaleMounts prunes mounts under OwnersRoot whose names match no
// desired entry. Non-mount entries are not this module's concern and
// are left untouched. A renamed owner is handled as remove-old plus
// add-new: the old label simply stops matching.
func (tm *TopologyModule) sweepStaleMounts(report *ReconcileReport, desired map[string]bool) {
	entries, err := tm.archive.Readdir(OwnersRoot)
	if err != nil {
		report.add("sweep", OwnersRoot, OutcomeFailed, err)
		return
	}

	for _, name := range entries {
		if desired[name] {
			continue
		}

		path := OwnerPath(name)
		if tm.probe(path).Kind != cairn.KindMount {
			continue
		}

		tm.ensureUnmount(report, path)
	}
}

// AddUser places the mounts for a newly known owner. Incremental
// variant of the per-owner step of Setup; no sweep.
func (tm *TopologyModule) AddUser(owner cairn.Owner) *ReconcileReport {
	report := &ReconcileReport{}
	defer tm.setLastReport(report)

	if tm.GetRootArchive() == nil {
		report.add("mount", OwnerPath(owner.Label), OutcomeFailed,
			fmt.Errorf("no root archive; setup has not run"))
		return report
	}

	if owner.Temporary {
		return report
	}

	tm.ensureMount(report, OwnerPath(owner.Label), owner.Address)
	if owner.Default {
		tm.ensureMount(report, OwnerPath(DefaultOwnerName), owner.Address)
	}

	if err := tm.checkpoint(); err != nil {
		report.add("checkpoint", "", OutcomeFailed, err)
	}
	return report
}

// RemoveUser prunes the mounts for an owner that is no longer known.
func (tm *TopologyModule) RemoveUser(owner cairn.Owner) *ReconcileReport {
	report := &ReconcileReport{}
	defer tm.setLastReport(report)

	if tm.GetRootArchive() == nil {
		report.add("unmount", OwnerPath(owner.Label), OutcomeFailed,
			fmt.Errorf("no root archive; setup has not run"))
		return report
	}

	tm.ensureUnmount(report, OwnerPath(owner.Label))
	if owner.Default {
		tm.ensureUnmount(report, OwnerPath(DefaultOwnerName))
	}

	if err := tm.checkpoint(); err != nil {
		report.add("checkpoint", "", OutcomeFailed, err)
	}
	return report
}

// AddToLibrary mounts an archive under LibraryRoot with a collision-free
// name derived from title, returning the allocated name. The only error
// is allocation exhaustion (or a missing root archive); mount problems
// land in the report like any other reconciliation step.
func (tm *TopologyModule) AddToLibrary(address, title string) (string, *ReconcileReport, error) {
	report := &ReconcileReport{}
	defer tm.setLastReport(report)

	if tm.GetRootArchive() == nil {
		return "", report, fmt.Errorf("no root archive; setup has not run")
	}

	tm.allocMtx.Lock()
	defer tm.allocMtx.Unlock()

	name, err := tm.allocateName(LibraryRoot, title)
	if err != nil {
		return "", report, err
	}

	tm.ensureMount(report, LibraryRoot+"/"+name, address)

	if err := tm.checkpoint(); err != nil {
		report.add("checkpoint", "", OutcomeFailed, err)
	}
	return name, report, nil
}

/////
// Wiring

func (tm *TopologyModule) listOwners() []cairn.Owner {
	if tm.userdir == nil {
		return nil
	}
	return tm.userdir.ListUsers()
}

func (tm *TopologyModule) handleMembershipChange(added, removed []cairn.Owner) {
	for _, owner := range removed {
		tm.RemoveUser(owner)
	}
	for _, owner := range added {
		tm.AddUser(owner)
	}
}

func (tm *TopologyModule) setLastReport(report *ReconcileReport) {
	tm.reportMtx.Lock()
	defer tm.reportMtx.Unlock()

	tm.lastReport = report
}

// LastReport returns the report from the most recent reconciliation
// pass, nil if none has run.
func (tm *TopologyModule) LastReport() *ReconcileReport {
	tm.reportMtx.Lock()
	defer tm.reportMtx.Unlock()

	return tm.lastReport
}
