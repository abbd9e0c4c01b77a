package model

import "testing"

func TestPrimaryKeyColumn(t *testing.T) {
	cases := map[string]string{
		"entity_module_mappings": "entity_id",
		"character_profiles":     "id",
		"unknown_table":          "id",
	}
	for table, want := range cases {
		if got := PrimaryKeyColumn(table); got != want {
			t.Errorf("PrimaryKeyColumn(%q) = %q, want %q", table, got, want)
		}
	}
}

func TestIsBlobTable(t *testing.T) {
	if !IsBlobTable("character_images") {
		t.Error("character_images should be a blob table")
	}
	if !IsBlobTable("conversation_messages") {
		t.Error("conversation_messages should be a blob table")
	}
	if IsBlobTable("entities") {
		t.Error("entities should not be a blob table")
	}
}

func TestValidate(t *testing.T) {
	if err := Validate("entities"); err != nil {
		t.Errorf("Validate(entities) = %v, want nil", err)
	}
	if err := Validate("drop_table"); err == nil {
		t.Error("Validate(drop_table) = nil, want error")
	}
}

func TestClientSendOrderCovers8Tables(t *testing.T) {
	if len(ClientSendOrder) != 8 {
		t.Fatalf("len(ClientSendOrder) = %d, want 8", len(ClientSendOrder))
	}
	for _, tbl := range ClientSendOrder {
		if _, ok := Lookup(tbl.Name); !ok {
			t.Errorf("Lookup(%q) failed for table in ClientSendOrder", tbl.Name)
		}
	}
}
