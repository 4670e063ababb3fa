package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/bitswalk/kbuild/src/common/logs"
)

func init() {
	SetLogger(logs.Discard())
}

func newTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := New(Config{Path: filepath.Join(t.TempDir(), "history.db")})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestArtifactRepository_CreateAndGet(t *testing.T) {
	repo := NewArtifactRepository(newTestDB(t))

	a := &Artifact{
		RunID:      "run-1",
		Device:     "alioth",
		Variant:    "MIUI",
		KernelSU:   true,
		Name:       "MIUI_alioth_SukiSU_20250101-120000_AnyKernel3_abcdef12.zip",
		Path:       "/work/MIUI_alioth.zip",
		Size:       1234,
		SHA256:     "deadbeef",
		Revision:   "abcdef12",
		StorageKey: "kernels/alioth/MIUI/x.zip",
	}
	if err := repo.Create(a); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if a.ID == "" {
		t.Fatal("expected ID to be assigned")
	}

	got, err := repo.GetByID(a.ID)
	if err != nil {
		t.Fatalf("GetByID returned error: %v", err)
	}
	if got == nil {
		t.Fatal("expected artifact, got nil")
	}
	if got.Name != a.Name || !got.KernelSU || got.Size != 1234 || got.StorageKey != a.StorageKey {
		t.Errorf("unexpected artifact %+v", got)
	}

	missing, err := repo.GetByID("nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing id, got %v, %v", missing, err)
	}
}

func TestArtifactRepository_List(t *testing.T) {
	repo := NewArtifactRepository(newTestDB(t))
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	records := []Artifact{
		{Device: "alioth", Variant: "AOSP", CreatedAt: base},
		{Device: "alioth", Variant: "MIUI", CreatedAt: base.Add(time.Minute)},
		{Device: "umi", Variant: "AOSP", CreatedAt: base.Add(2 * time.Minute)},
	}
	for i := range records {
		records[i].RunID = "run"
		records[i].Name = records[i].Variant + "_" + records[i].Device
		if err := repo.Create(&records[i]); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter ArtifactFilter
		want   []string
	}{
		{"all newest first", ArtifactFilter{}, []string{"AOSP_umi", "MIUI_alioth", "AOSP_alioth"}},
		{"by device", ArtifactFilter{Device: "alioth"}, []string{"MIUI_alioth", "AOSP_alioth"}},
		{"by variant", ArtifactFilter{Variant: "AOSP"}, []string{"AOSP_umi", "AOSP_alioth"}},
		{"limit", ArtifactFilter{Limit: 1}, []string{"AOSP_umi"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.List(tt.filter)
			if err != nil {
				t.Fatalf("List returned error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d artifacts, got %d", len(tt.want), len(got))
			}
			for i, a := range got {
				if a.Name != tt.want[i] {
					t.Errorf("position %d: expected %s, got %s", i, tt.want[i], a.Name)
				}
			}
		})
	}
}

func TestNew_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	d, err := New(Config{Path: path})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := NewArtifactRepository(d).Create(&Artifact{RunID: "r", Device: "umi", Variant: "AOSP", Name: "a"}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	d.Close()

	d, err = New(Config{Path: path})
	if err != nil {
		t.Fatalf("failed to reopen database: %v", err)
	}
	defer d.Close()

	got, err := NewArtifactRepository(d).List(ArtifactFilter{})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 artifact after reopen, got %d", len(got))
	}
}
