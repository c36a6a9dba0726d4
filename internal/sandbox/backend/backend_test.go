package backend

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	appErr "agentarena/pkg/errors"

	"github.com/google/uuid"
)

func writeExtImage(t *testing.T, id uuid.UUID) string {
	t.Helper()
	img := make([]byte, 4096)
	binary.LittleEndian.PutUint16(img[ext4SuperblockOffset+ext4MagicOffset:], ext4Magic)
	copy(img[ext4SuperblockOffset+ext4UUIDOffset:], id[:])
	path := filepath.Join(t.TempDir(), "vol.ext4")
	if err := os.WriteFile(path, img, 0o644); err != nil {
		t.Fatalf("write image failed: %v", err)
	}
	return path
}

func TestVolumeUUID(t *testing.T) {
	t.Parallel()
	id := uuid.MustParse("0f8fad5b-d9cb-469f-a165-70867728950e")
	got, err := VolumeUUID(writeExtImage(t, id))
	if err != nil {
		t.Fatalf("VolumeUUID failed: %v", err)
	}
	if got != id.String() {
		t.Fatalf("expected %s, got %s", id, got)
	}
}

func TestVolumeUUIDRejectsNonExtImage(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "junk.img")
	if err := os.WriteFile(path, make([]byte, 4096), 0o644); err != nil {
		t.Fatalf("write image failed: %v", err)
	}
	if _, err := VolumeUUID(path); err == nil {
		t.Fatalf("expected error for image without ext magic")
	}
}

func TestValidateSpawnRequest(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		req     SpawnRequest
		wantErr bool
	}{
		{name: "ok", req: SpawnRequest{WorkDir: "/tmp", RAMBudgetMB: 256}},
		{name: "missing work dir", req: SpawnRequest{RAMBudgetMB: 256}, wantErr: true},
		{name: "zero ram", req: SpawnRequest{WorkDir: "/tmp"}, wantErr: true},
		{
			name:    "scratch reserved",
			req:     SpawnRequest{WorkDir: "/tmp", RAMBudgetMB: 256, Mounts: []Mount{{HostPath: "/a", GuestPath: ScratchGuestPath}}},
			wantErr: true,
		},
		{
			name:    "empty guest path",
			req:     SpawnRequest{WorkDir: "/tmp", RAMBudgetMB: 256, Mounts: []Mount{{HostPath: "/a"}}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validateSpawnRequest(tt.req)
			if tt.wantErr {
				if !appErr.Is(err, appErr.ValidationFailed) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}

func TestDockerRunArgs(t *testing.T) {
	t.Parallel()
	d, err := NewDocker(DockerSettings{Image: "arena/guest:latest", Runtime: "runsc"})
	if err != nil {
		t.Fatalf("NewDocker failed: %v", err)
	}
	req := SpawnRequest{
		WorkDir:     "/work",
		RAMBudgetMB: 512,
		Mounts:      []Mount{{HostPath: "/maps", GuestPath: "/maps", ReadOnly: true}, {HostPath: "/out", GuestPath: "/out"}},
	}
	args := d.runArgs("arena-x", "/work/ctr-1", req)
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"run --rm --name arena-x --network none --read-only",
		"--memory 512m",
		"-v /work/ctr-1/scratch:/scratch:rw",
		"-v /work/ctr-1/sock:/run/arena:rw",
		"-v /maps:/maps:ro",
		"-v /out:/out:rw",
		"--runtime runsc",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected args to contain %q, got %q", want, joined)
		}
	}
	if args[len(args)-1] != "arena/guest:latest" {
		t.Fatalf("expected image last, got %q", args[len(args)-1])
	}
	if slices.Contains(args, "--pull") {
		t.Fatalf("expected no pull flag when unset")
	}
}

func TestNewDockerRequiresImage(t *testing.T) {
	t.Parallel()
	if _, err := NewDocker(DockerSettings{}); err == nil {
		t.Fatalf("expected error without image")
	}
}

func TestFirecrackerMachineConfig(t *testing.T) {
	t.Parallel()
	scratchID := uuid.MustParse("11111111-1111-4111-8111-111111111111")
	mountID := uuid.MustParse("22222222-2222-4222-8222-222222222222")
	scratch := writeExtImage(t, scratchID)
	mount := writeExtImage(t, mountID)

	f, err := NewFirecracker(FirecrackerSettings{KernelImage: "vmlinux", RootFSImage: "rootfs", ScratchImage: scratch})
	if err != nil {
		t.Fatalf("NewFirecracker failed: %v", err)
	}
	dir := t.TempDir()
	req := SpawnRequest{
		WorkDir:     dir,
		RAMBudgetMB: 256,
		SwapPath:    "/swap.img",
		Mounts:      []Mount{{HostPath: mount, GuestPath: "/maps", ReadOnly: true}},
	}
	images := driveImages{rootfs: "rootfs.ext4", scratch: scratch, swap: filepath.Join(dir, "swap.img")}
	cfg, n, err := f.machineConfig(dir, images, req)
	if err != nil {
		t.Fatalf("machineConfig failed: %v", err)
	}
	if len(cfg.Drives) != 4 {
		t.Fatalf("expected 4 drives, got %d", len(cfg.Drives))
	}
	if !cfg.Drives[0].IsRootDevice || cfg.Drives[2].DriveID != "swap" || !cfg.Drives[3].IsReadOnly {
		t.Fatalf("unexpected drives: %+v", cfg.Drives)
	}
	if cfg.Drives[2].PathOnHost != images.swap {
		t.Fatalf("expected swap drive %s, got %s", images.swap, cfg.Drives[2].PathOnHost)
	}
	if cfg.MachineConfig.MemSizeMiB != 256 {
		t.Fatalf("expected 256 MiB, got %d", cfg.MachineConfig.MemSizeMiB)
	}
	want := []MountRequest{
		{UUID: scratchID.String(), Path: ScratchGuestPath},
		{UUID: mountID.String(), Path: "/maps", ReadOnly: true},
	}
	if !slices.Equal(n.Mounts, want) {
		t.Fatalf("expected negotiation %+v, got %+v", want, n.Mounts)
	}
}

func TestFirecrackerSwapIsPerSandbox(t *testing.T) {
	t.Parallel()
	templates := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(templates, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s failed: %v", name, err)
		}
		return path
	}
	swap := write("swap.img", "SWAPSPACE2")
	f, err := NewFirecracker(FirecrackerSettings{
		KernelImage:  "vmlinux",
		RootFSImage:  write("rootfs.ext4", "root"),
		ScratchImage: write("scratch.ext4", "scratch"),
	})
	if err != nil {
		t.Fatalf("NewFirecracker failed: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		dir := t.TempDir()
		images, err := f.prepareDrives(dir, SpawnRequest{WorkDir: dir, RAMBudgetMB: 128, SwapPath: swap})
		if err != nil {
			t.Fatalf("prepareDrives failed: %v", err)
		}
		if images.swap == swap || filepath.Dir(images.swap) != dir {
			t.Fatalf("expected swap copy inside %s, got %s", dir, images.swap)
		}
		if seen[images.swap] {
			t.Fatalf("expected distinct swap images, %s reused", images.swap)
		}
		seen[images.swap] = true
		data, err := os.ReadFile(images.swap)
		if err != nil || string(data) != "SWAPSPACE2" {
			t.Fatalf("expected swap template contents, got %q (%v)", data, err)
		}
	}

	dir := t.TempDir()
	images, err := f.prepareDrives(dir, SpawnRequest{WorkDir: dir, RAMBudgetMB: 128})
	if err != nil {
		t.Fatalf("prepareDrives failed: %v", err)
	}
	if images.swap != "" {
		t.Fatalf("expected no swap image, got %s", images.swap)
	}
}
