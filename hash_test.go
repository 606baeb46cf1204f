package dbsync

import "testing"

func TestHasherAgreesOnEqualRows(t *testing.T) {
	for _, name := range []string{"md5", "xxh64"} {
		h, err := NewHasher(name)
		if err != nil {
			t.Fatal(err)
		}
		if h.Name() != name {
			t.Errorf("Name() = %q, want %q", h.Name(), name)
		}

		rows := []Row{{"a", int64(1)}, {"b", int64(2)}}
		d1, err := h.Hash(rows)
		if err != nil {
			t.Fatal(err)
		}
		d2, err := h.Hash(rows)
		if err != nil {
			t.Fatal(err)
		}
		if !d1.Equal(d2) {
			t.Errorf("%s: two hashes of identical rows disagree: %v != %v", name, d1, d2)
		}
		if d1.RowCount != 2 {
			t.Errorf("%s: RowCount = %d, want 2", name, d1.RowCount)
		}
	}
}

func TestHasherDistinguishesDifferentRows(t *testing.T) {
	h, err := NewHasher("xxh64")
	if err != nil {
		t.Fatal(err)
	}
	a, err := h.Hash([]Row{{"a"}})
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.Hash([]Row{{"b"}})
	if err != nil {
		t.Fatal(err)
	}
	if a.Equal(b) {
		t.Error("hashes of different rows should not be equal")
	}
}

func TestNewHasherRejectsUnknownAlgorithm(t *testing.T) {
	if _, err := NewHasher("sha256"); err == nil {
		t.Error("expected an error for an unsupported hash algorithm")
	}
}

func TestRowByteSizeGrowsWithContent(t *testing.T) {
	small, err := RowByteSize(Row{"a"})
	if err != nil {
		t.Fatal(err)
	}
	large, err := RowByteSize(Row{"a much longer string value"})
	if err != nil {
		t.Fatal(err)
	}
	if large <= small {
		t.Errorf("RowByteSize(long) = %d, want > RowByteSize(short) = %d", large, small)
	}
}
