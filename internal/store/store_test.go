package store

import "testing"

func TestOpenBootstrapsAllEightTables(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	want := []string{
		"character_profiles", "character_images", "provider_configurations",
		"module_configurations", "entities", "entity_module_mappings",
		"conversation_threads", "conversation_messages", "sync_watermark",
	}
	for _, table := range want {
		var name string
		err := s.Conn().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %q missing after Open: %v", table, err)
		}
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if _, err := s.Conn().Exec(schema); err != nil {
		t.Errorf("re-applying bootstrap schema failed: %v", err)
	}
}

func TestCloseCheckpointsWithoutError(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
