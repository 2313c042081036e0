package snapstore

import (
	"errors"
	"testing"

	"github.com/cryguy/esmgraph/internal/registry"
)

func testSnapshot() registry.Snapshot {
	return registry.Snapshot{
		NextLoadID: 3,
		Info: []registry.InfoRecord{
			{Id: 0, Main: true, Name: "file:///root.js", RequestsFlat: []any{"./dep.js", int32(0)}, ModuleType: 0},
		},
		ByName: []registry.ByNameRecord{
			{Specifier: "file:///root.js", AssertedModuleType: 0, Symbolic: int32(0)},
		},
	}
}

func TestSaveAndLoadRoundTrips(t *testing.T) {
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer s.Close()

	snap := testSnapshot()
	if err := s.Save("main", snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load("main")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.NextLoadID != snap.NextLoadID || len(got.Info) != len(snap.Info) || len(got.ByName) != len(snap.ByName) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, snap)
	}
	if got.Info[0].Name != "file:///root.js" {
		t.Errorf("Info[0].Name = %q", got.Info[0].Name)
	}
}

func TestSaveOverwritesExistingName(t *testing.T) {
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer s.Close()

	snap := testSnapshot()
	if err := s.Save("main", snap); err != nil {
		t.Fatalf("Save: %v", err)
	}
	snap.NextLoadID = 99
	if err := s.Save("main", snap); err != nil {
		t.Fatalf("Save (overwrite): %v", err)
	}

	got, err := s.Load("main")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.NextLoadID != 99 {
		t.Errorf("NextLoadID = %d, want 99 after overwrite", got.NextLoadID)
	}

	names, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 1 {
		t.Fatalf("List = %v, want exactly one entry after overwrite", names)
	}
}

func TestLoadMissingReturnsErrNotFound(t *testing.T) {
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer s.Close()

	if _, err := s.Load("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load(missing) error = %v, want ErrNotFound", err)
	}
}

func TestDeleteMissingReturnsErrNotFound(t *testing.T) {
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer s.Close()

	if err := s.Delete("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSaveGeneratedProducesRetrievableName(t *testing.T) {
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer s.Close()

	name, err := s.SaveGenerated(testSnapshot())
	if err != nil {
		t.Fatalf("SaveGenerated: %v", err)
	}
	if name == "" {
		t.Fatal("SaveGenerated returned empty name")
	}
	if _, err := s.Load(name); err != nil {
		t.Fatalf("Load(generated name): %v", err)
	}
}

func TestListAndDelete(t *testing.T) {
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer s.Close()

	snap := testSnapshot()
	if err := s.Save("a", snap); err != nil {
		t.Fatalf("Save a: %v", err)
	}
	if err := s.Save("b", snap); err != nil {
		t.Fatalf("Save b: %v", err)
	}

	names, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("List = %v, want 2 entries", names)
	}

	if err := s.Delete("a"); err != nil {
		t.Fatalf("Delete a: %v", err)
	}
	names, err = s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 1 || names[0] != "b" {
		t.Fatalf("List after delete = %v, want [b]", names)
	}
}

func TestValidateNameRejectsTraversalAndEmpty(t *testing.T) {
	cases := []string{"", "../escape", "a\x00b"}
	for _, name := range cases {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", name)
		}
	}
	if err := ValidateName("ordinary-name"); err != nil {
		t.Errorf("ValidateName(ordinary) = %v, want nil", err)
	}
}
