package dbsync

import "testing"

func TestSchemaRoundTrip(t *testing.T) {
	tables := []Table{
		{Name: "widgets", KeyColumns: []string{"id"}, DataColumns: []string{"name", "price"}, UniqueKey: true},
		{Name: "tags", KeyColumns: []string{"widget_id", "tag"}, DataColumns: []string{}, UniqueKey: false},
	}

	encoded := EncodeSchema(tables)
	decoded, err := DecodeSchema(interface{}(encoded))
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != len(tables) {
		t.Fatalf("got %d tables, want %d", len(decoded), len(tables))
	}
	for i, want := range tables {
		got := decoded[i]
		if got.Name != want.Name || got.UniqueKey != want.UniqueKey {
			t.Errorf("table %d: got %+v, want %+v", i, got, want)
		}
		if len(got.KeyColumns) != len(want.KeyColumns) {
			t.Errorf("table %d key columns: got %v, want %v", i, got.KeyColumns, want.KeyColumns)
		}
	}
}

func TestDecodeSchemaRejectsMalformed(t *testing.T) {
	if _, err := DecodeSchema("not an array"); err == nil {
		t.Error("expected an error decoding a non-array payload")
	}
	if _, err := DecodeSchema([]interface{}{"not a table descriptor"}); err == nil {
		t.Error("expected an error decoding a malformed table descriptor")
	}
}
