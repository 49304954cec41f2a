// Package keep implements the persistent identity and acceptance store:
// local/remote estate records and per-role acceptance decisions, each
// dumped and loaded as a single self-describing file with an atomic
// write-temp-then-rename replace.
package keep

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pion/logging"
)

// AutoMode governs how new-peer acceptance is decided.
type AutoMode int

const (
	AutoNever AutoMode = iota
	AutoOnce
	AutoAlways
)

func ParseAutoMode(s string) (AutoMode, error) {
	switch s {
	case "never", "":
		return AutoNever, nil
	case "once":
		return AutoOnce, nil
	case "always":
		return AutoAlways, nil
	default:
		return AutoNever, fmt.Errorf("keep: unknown auto mode %q", s)
	}
}

// LocalRecord is the durable self-identity record.
type LocalRecord struct {
	Name   string `msgpack:"name" json:"name"`
	UID    uint32 `msgpack:"uid" json:"uid"`
	HA     string `msgpack:"ha" json:"ha"`
	AHA    string `msgpack:"aha" json:"aha"`
	FQDN   string `msgpack:"fqdn" json:"fqdn"`
	Signer []byte `msgpack:"signer" json:"signer"` // long-term Ed25519 private key
	Verfer []byte `msgpack:"verfer" json:"verfer"` // long-term Ed25519 public key
	Priver []byte `msgpack:"priver" json:"priver"` // long-term Curve25519 private key
	Pubber []byte `msgpack:"pubber" json:"pubber"` // long-term Curve25519 public key
	SID    uint32 `msgpack:"sid" json:"sid"`
	PUID   uint32 `msgpack:"puid" json:"puid"`
}

// RemoteRecord is the durable record for a single peer estate.
type RemoteRecord struct {
	Name   string `msgpack:"name" json:"name"`
	UID    uint32 `msgpack:"uid" json:"uid"`
	FUID   uint32 `msgpack:"fuid" json:"fuid"`
	HA     string `msgpack:"ha" json:"ha"`
	Role   string `msgpack:"role" json:"role"`
	Verfer []byte `msgpack:"verfer" json:"verfer"`
	Pubber []byte `msgpack:"pubber" json:"pubber"`
	SID    uint32 `msgpack:"sid" json:"sid"`
}

// RoleRecord is the per-role acceptance authorization record.
type RoleRecord struct {
	Role       string `msgpack:"role" json:"role"`
	Verfer     []byte `msgpack:"verfer" json:"verfer"`
	Pubber     []byte `msgpack:"pubber" json:"pubber"`
	Acceptance int    `msgpack:"acceptance" json:"acceptance"`
}

// Keep is a file-backed store rooted at <base>/road/keep/<stackName>/, or at
// the ~/.raet/keep/<stackName>/ fallback.
type Keep struct {
	mu        sync.Mutex
	dir       string
	codec     Codec
	auto      AutoMode
	mutable   bool
	log       logging.LeveledLogger
	stackName string
}

// Config configures a Keep instance.
type Config struct {
	BaseDirPath   string // e.g. "/var/lib/raet", which holds road/keep/<StackName>; "" uses the fallback path
	StackName     string
	Codec         Codec // defaults to MsgpackCodec
	Auto          AutoMode
	Mutable       bool
	LoggerFactory logging.LoggerFactory
}

// New creates (or opens) a Keep directory, falling back to
// ~/.raet/keep/<name> if the configured base directory is not writable.
func New(cfg Config) (*Keep, error) {
	if cfg.Codec == nil {
		cfg.Codec = MsgpackCodec{}
	}
	dir := filepath.Join(cfg.BaseDirPath, "road", "keep", cfg.StackName)
	if cfg.BaseDirPath == "" || !dirWritable(cfg.BaseDirPath) {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("keep: resolving fallback path: %w", err)
		}
		dir = filepath.Join(home, ".raet", "keep", cfg.StackName)
	}
	if err := os.MkdirAll(filepath.Join(dir, "remote"), 0o700); err != nil {
		return nil, fmt.Errorf("keep: creating remote dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "role", "local"), 0o700); err != nil {
		return nil, fmt.Errorf("keep: creating role/local dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "role", "remote"), 0o700); err != nil {
		return nil, fmt.Errorf("keep: creating role/remote dir: %w", err)
	}

	k := &Keep{
		dir:       dir,
		codec:     cfg.Codec,
		auto:      cfg.Auto,
		mutable:   cfg.Mutable,
		stackName: cfg.StackName,
	}
	if cfg.LoggerFactory != nil {
		k.log = cfg.LoggerFactory.NewLogger("keep")
	}
	return k, nil
}

func dirWritable(dir string) bool {
	if dir == "" {
		return false
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return false
	}
	probe := filepath.Join(dir, ".raet-write-probe")
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}

// atomicWrite writes data to path via a temp file + rename, per the spec's
// "write-temp, fsync, rename" keep-dump contract.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (k *Keep) localPath() string {
	return filepath.Join(k.dir, "local", "estate"+k.codec.Ext())
}

func (k *Keep) remotePath(name string) string {
	return filepath.Join(k.dir, "remote", "estate."+name+k.codec.Ext())
}

func (k *Keep) roleLocalPath() string {
	return filepath.Join(k.dir, "role", "local", "role"+k.codec.Ext())
}

func (k *Keep) roleRemotePath(role string) string {
	return filepath.Join(k.dir, "role", "remote", "role."+role+k.codec.Ext())
}

// DumpLocal atomically persists the local estate record.
func (k *Keep) DumpLocal(rec LocalRecord) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := os.MkdirAll(filepath.Join(k.dir, "local"), 0o700); err != nil {
		return err
	}
	data, err := k.codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("keep: marshal local: %w", err)
	}
	if err := atomicWrite(k.localPath(), data); err != nil {
		return fmt.Errorf("keep: dump local: %w", err)
	}
	if k.log != nil {
		k.log.Debugf("dumped local estate %q", rec.Name)
	}
	return nil
}

// LoadLocal loads the local estate record, incrementing sid by one per the
// spec's documented load behavior (tests expect +1 per load).
func (k *Keep) LoadLocal() (LocalRecord, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	var rec LocalRecord
	data, err := os.ReadFile(k.localPath())
	if os.IsNotExist(err) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("keep: load local: %w", err)
	}
	if err := k.codec.Unmarshal(data, &rec); err != nil {
		return rec, false, fmt.Errorf("keep: unmarshal local: %w", err)
	}
	rec.SID++
	return rec, true, nil
}

// ClearLocal removes the local estate record.
func (k *Keep) ClearLocal() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	err := os.Remove(k.localPath())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// DumpRemote atomically persists a single remote estate record.
func (k *Keep) DumpRemote(rec RemoteRecord) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	data, err := k.codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("keep: marshal remote %q: %w", rec.Name, err)
	}
	if err := atomicWrite(k.remotePath(rec.Name), data); err != nil {
		return fmt.Errorf("keep: dump remote %q: %w", rec.Name, err)
	}
	return nil
}

// LoadAllRemote loads every persisted remote record. Loaders must tolerate
// a remote record present without a matching role record; no cross-file
// transactional guarantee is made.
func (k *Keep) LoadAllRemote() ([]RemoteRecord, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entries, err := os.ReadDir(filepath.Join(k.dir, "remote"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("keep: listing remotes: %w", err)
	}
	var out []RemoteRecord
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(k.dir, "remote", e.Name()))
		if err != nil {
			continue
		}
		var rec RemoteRecord
		if err := k.codec.Unmarshal(data, &rec); err != nil {
			if k.log != nil {
				k.log.Warnf("skipping unreadable remote record %q: %v", e.Name(), err)
			}
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// ClearAllRemote removes every persisted remote record.
func (k *Keep) ClearAllRemote() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	entries, err := os.ReadDir(filepath.Join(k.dir, "remote"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		os.Remove(filepath.Join(k.dir, "remote", e.Name()))
	}
	return nil
}

// ClearRemote removes a single remote's persisted record.
func (k *Keep) ClearRemote(name string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	err := os.Remove(k.remotePath(name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// DumpLocalRole persists the record of our own role identity, the
// (role, verhex, pubhex) tuple we present to peers during Join.
func (k *Keep) DumpLocalRole(rec RoleRecord) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	data, err := k.codec.Marshal(rec)
	if err != nil {
		return err
	}
	return atomicWrite(k.roleLocalPath(), data)
}

// LoadLocalRole loads our own role identity record, if any.
func (k *Keep) LoadLocalRole() (RoleRecord, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	var rec RoleRecord
	data, err := os.ReadFile(k.roleLocalPath())
	if os.IsNotExist(err) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	if err := k.codec.Unmarshal(data, &rec); err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

// DumpRemoteRole persists the acceptance authorization record for a peer role.
func (k *Keep) DumpRemoteRole(rec RoleRecord) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	data, err := k.codec.Marshal(rec)
	if err != nil {
		return err
	}
	return atomicWrite(k.roleRemotePath(rec.Role), data)
}

// LoadRemoteRole loads the acceptance record for the given role, if any.
func (k *Keep) LoadRemoteRole(role string) (RoleRecord, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	var rec RoleRecord
	data, err := os.ReadFile(k.roleRemotePath(role))
	if os.IsNotExist(err) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	if err := k.codec.Unmarshal(data, &rec); err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

// StatusRemote implements the acceptance policy from the spec:
//  1. look up the role record
//  2. no record: pending if auto=never, else accepted (auto=once consumes
//     itself and flips to never; auto=always stays set)
//  3. record exists and keys match: return stored acceptance
//  4. record exists and keys differ: rejected, unless mutable, in which case
//     the record is rewritten and acceptance preserved.
func (k *Keep) StatusRemote(role string, verhex, pubhex []byte) (int, error) {
	existing, found, err := k.LoadRemoteRole(role)
	if err != nil {
		return 0, err
	}

	if !found {
		if k.auto == AutoNever {
			rec := RoleRecord{Role: role, Verfer: verhex, Pubber: pubhex, Acceptance: int(AcceptancePending)}
			if err := k.DumpRemoteRole(rec); err != nil {
				return int(AcceptancePending), err
			}
			return int(AcceptancePending), nil
		}
		rec := RoleRecord{Role: role, Verfer: verhex, Pubber: pubhex, Acceptance: int(AcceptanceAccepted)}
		if err := k.DumpRemoteRole(rec); err != nil {
			return int(AcceptanceAccepted), err
		}
		if k.auto == AutoOnce {
			k.mu.Lock()
			k.auto = AutoNever
			k.mu.Unlock()
		}
		return int(AcceptanceAccepted), nil
	}

	if bytes.Equal(existing.Verfer, verhex) && bytes.Equal(existing.Pubber, pubhex) {
		return existing.Acceptance, nil
	}

	if !k.mutable {
		return int(AcceptanceRejected), nil
	}

	existing.Verfer = verhex
	existing.Pubber = pubhex
	if err := k.DumpRemoteRole(existing); err != nil {
		return existing.Acceptance, err
	}
	return existing.Acceptance, nil
}

// Acceptance integer constants mirrored from pkg/estate so that keep does
// not import it (keep is a leaf package below estate in the dependency order).
const (
	AcceptancePending  = 1
	AcceptanceAccepted = 2
	AcceptanceRejected = 3
)
