package transport

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type fakeController struct {
	mu          sync.Mutex
	added       []string
	removed     []string
	titles      map[string]string
	pinHash     string
	awake       bool
	shutdowns   int
	notifyTests int
	addErr      error
	notifyErr   error
}

func (f *fakeController) AddProject(path string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return "", false, f.addErr
	}
	for _, p := range f.added {
		if p == path {
			return "existing-slug", true, nil
		}
	}
	f.added = append(f.added, path)
	return "new-slug", false, nil
}

func (f *fakeController) RemoveProject(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, key)
	return nil
}

func (f *fakeController) SetProjectTitle(slug, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.titles == nil {
		f.titles = make(map[string]string)
	}
	f.titles[slug] = title
	return nil
}

func (f *fakeController) SetPin(pinHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinHash = pinHash
	return nil
}

func (f *fakeController) TestNotify() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notifyErr != nil {
		return f.notifyErr
	}
	f.notifyTests++
	return nil
}

func (f *fakeController) SetKeepAwake(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.awake = on
	return nil
}

func (f *fakeController) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Status{
		Version:    "test",
		Pid:        4242,
		Uptime:     "1m30s",
		ListenAddr: ":0",
		KeepAwake:  f.awake,
		PinSet:     f.pinHash != "",
		Devices:    1,
		Projects: []ProjectStatus{
			{Slug: "demo", Path: "/tmp/demo", Sessions: 2, Clients: 1},
		},
	}
}

func (f *fakeController) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
}

// startServer runs a control server on a socket in a temp dir and returns a
// connected client.
func startServer(t *testing.T, ctrl Controller) *Client {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "control.sock")
	srv := NewServer(ctrl, sock)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.ListenAndServe(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	c := NewClient(sock)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Probe() {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server never came up")
	return nil
}

func TestProbeWithoutServer(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "nobody.sock"))
	if c.Probe() {
		t.Fatal("probe succeeded with no server")
	}
}

func TestAddProject(t *testing.T) {
	ctrl := &fakeController{}
	c := startServer(t, ctrl)

	resp, err := c.AddProject("/home/me/proj")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if resp.Slug != "new-slug" || resp.Existing {
		t.Errorf("resp = %+v", resp)
	}

	resp, err = c.AddProject("/home/me/proj")
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if resp.Slug != "existing-slug" || !resp.Existing {
		t.Errorf("resp = %+v", resp)
	}
}

func TestAddProjectValidation(t *testing.T) {
	c := startServer(t, &fakeController{})
	if _, err := c.AddProject(""); err == nil {
		t.Fatal("empty path accepted")
	}
}

func TestControllerErrorComesBackAsError(t *testing.T) {
	ctrl := &fakeController{addErr: errors.New("disk on fire")}
	c := startServer(t, ctrl)
	_, err := c.AddProject("/x")
	if err == nil || err.Error() != "disk on fire" {
		t.Fatalf("err = %v", err)
	}
}

func TestRemoveAndTitle(t *testing.T) {
	ctrl := &fakeController{}
	c := startServer(t, ctrl)

	if err := c.RemoveProject("demo"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := c.SetProjectTitle("demo", "My Demo"); err != nil {
		t.Fatalf("title: %v", err)
	}

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.removed) != 1 || ctrl.removed[0] != "demo" {
		t.Errorf("removed = %v", ctrl.removed)
	}
	if ctrl.titles["demo"] != "My Demo" {
		t.Errorf("titles = %v", ctrl.titles)
	}
}

func TestTitleRequiresSlug(t *testing.T) {
	c := startServer(t, &fakeController{})
	if err := c.SetProjectTitle("", "x"); err == nil {
		t.Fatal("empty slug accepted")
	}
}

func TestPinAndKeepAwakeAndStatus(t *testing.T) {
	ctrl := &fakeController{}
	c := startServer(t, ctrl)

	if err := c.SetPin("4321"); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if err := c.SetKeepAwake(true); err != nil {
		t.Fatalf("awake: %v", err)
	}

	st, err := c.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.PinSet || !st.KeepAwake || st.Version != "test" {
		t.Errorf("status = %+v", st)
	}
	if st.Pid != 4242 || st.Uptime != "1m30s" || st.Devices != 1 {
		t.Errorf("status = %+v", st)
	}
	if len(st.Projects) != 1 || st.Projects[0].Slug != "demo" {
		t.Errorf("projects = %+v", st.Projects)
	}
}

func TestSetPinHashesBeforeSending(t *testing.T) {
	ctrl := &fakeController{}
	c := startServer(t, ctrl)

	if err := c.SetPin("4321"); err != nil {
		t.Fatalf("pin: %v", err)
	}
	ctrl.mu.Lock()
	hash := ctrl.pinHash
	ctrl.mu.Unlock()
	if hash == "4321" || hash == "" {
		t.Fatalf("plaintext pin crossed the channel: %q", hash)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte("4321")) != nil {
		t.Errorf("hash does not verify the pin: %q", hash)
	}

	// Clearing sends an empty hash.
	if err := c.SetPin(""); err != nil {
		t.Fatalf("clear: %v", err)
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if ctrl.pinHash != "" {
		t.Errorf("clear sent %q", ctrl.pinHash)
	}
}

func TestNotifyCommand(t *testing.T) {
	ctrl := &fakeController{}
	c := startServer(t, ctrl)

	if err := c.TestNotify(); err != nil {
		t.Fatalf("test notify: %v", err)
	}
	ctrl.mu.Lock()
	n := ctrl.notifyTests
	ctrl.mu.Unlock()
	if n != 1 {
		t.Errorf("notify tests = %d, want 1", n)
	}
}

func TestNotifyCommandError(t *testing.T) {
	ctrl := &fakeController{notifyErr: errors.New("no notification topics configured")}
	c := startServer(t, ctrl)
	if err := c.TestNotify(); err == nil || err.Error() != "no notification topics configured" {
		t.Fatalf("err = %v", err)
	}
}

func TestShutdownRepliesBeforeExit(t *testing.T) {
	ctrl := &fakeController{}
	c := startServer(t, ctrl)

	if err := c.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ctrl.mu.Lock()
		n := ctrl.shutdowns
		ctrl.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("controller never asked to shut down")
}

func TestUnknownCommand(t *testing.T) {
	c := startServer(t, &fakeController{})
	if _, err := c.Do(Request{Cmd: "float_away"}); err == nil {
		t.Fatal("unknown command accepted")
	}
}
