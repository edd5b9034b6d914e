// Package packreqtest wires an in-memory pipeline environment for tests.
package packreqtest

import (
	"testing"

	"github.com/packfetch/packfetch/internal/events"
	"github.com/packfetch/packfetch/internal/integrity"
	"github.com/packfetch/packfetch/internal/lock"
	"github.com/packfetch/packfetch/internal/packreq"
	"github.com/packfetch/packfetch/internal/registry"
	"github.com/packfetch/packfetch/internal/transport/transporttest"
	"github.com/packfetch/packfetch/internal/verify"
	"github.com/packfetch/packfetch/internal/vfs"
	"github.com/packfetch/packfetch/internal/vfs/vfstest"
	"github.com/packfetch/packfetch/pkg/model"
)

// RemoteURL is the base URL the fake transport serves packs from.
const RemoteURL = "http://packs.test/"

// Fixture holds the collaborators behind Env.
type Fixture struct {
	Dir       string
	Registry  *registry.Memory
	Transport *transporttest.Fake
	FS        *vfs.FS
	Bus       *events.Bus
	Events    *events.Recorder
	Owners    *lock.Owners
	Env       *packreq.Env
}

// New creates a fixture with an empty registry and a manual fake transport.
func New(t testing.TB) *Fixture {
	t.Helper()
	dir := t.TempDir()
	f := &Fixture{
		Dir:       dir,
		Registry:  registry.New(),
		Transport: transporttest.New(),
		FS:        vfs.New(nil),
		Bus:       events.NewBus(),
		Events:    &events.Recorder{},
		Owners:    lock.NewOwners(),
	}
	f.Bus.Subscribe(f.Events.Listen)
	t.Cleanup(func() { f.FS.Close() })

	f.Env = &packreq.Env{
		Registry:   f.Registry,
		Transport:  f.Transport,
		Checker:    verify.NewVerifier(dir),
		Mounter:    f.FS,
		Events:     f.Bus,
		RemoteURL:  RemoteURL,
		LocalDir:   dir,
		MountPoint: packreq.DefaultMountPoint,
		Owners:     f.Owners,
	}
	return f
}

// Archive returns the archive published for name. It holds one file,
// "<name>.txt", whose content is the name.
func Archive(t testing.TB, name string) []byte {
	return vfstest.Zip(t, map[string]string{name + ".txt": name})
}

// AddPack publishes an archive and side-file for name and registers the
// pack with the matching checksum.
func (f *Fixture) AddPack(t testing.TB, name string, deps ...string) uint32 {
	t.Helper()
	data := Archive(t, name)
	crc := integrity.ChecksumBytes(data)
	f.Transport.Serve(ArchiveURL(name), data)
	f.Transport.Serve(SideFileURL(name), []byte(model.FormatCRC32(crc)))
	f.add(t, model.Pack{Name: name, CRC32FromDB: crc, Dependencies: deps})
	return crc
}

// AddVirtual registers a pack without an archive.
func (f *Fixture) AddVirtual(t testing.TB, name string, deps ...string) {
	t.Helper()
	f.add(t, model.Pack{Name: name, Dependencies: deps})
}

func (f *Fixture) add(t testing.TB, p model.Pack) {
	t.Helper()
	if err := f.Registry.Add(p); err != nil {
		t.Fatalf("add pack %s: %v", p.Name, err)
	}
}

// Pack returns the live registry record of name.
func (f *Fixture) Pack(t testing.TB, name string) *model.Pack {
	t.Helper()
	p, err := f.Registry.GetPack(name)
	if err != nil {
		t.Fatalf("get pack %s: %v", name, err)
	}
	return p
}

// ArchiveURL is where the archive of name is served.
func ArchiveURL(name string) string {
	return RemoteURL + name
}

// SideFileURL is where the checksum side-file of name is served.
func SideFileURL(name string) string {
	return RemoteURL + integrity.SideFileName(name)
}

// Drive calls update until done reports true, failing the test after
// limit calls.
func Drive(t testing.TB, limit int, update func() error, done func() bool) error {
	t.Helper()
	for i := 0; i < limit; i++ {
		if done() {
			return nil
		}
		if err := update(); err != nil {
			return err
		}
	}
	if !done() {
		t.Fatalf("not done after %d updates", limit)
	}
	return nil
}
