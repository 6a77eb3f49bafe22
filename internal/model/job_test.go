package model

import (
	"reflect"
	"testing"
)

func TestItemIDs_CollapsesDuplicates(t *testing.T) {
	job := &Job{Config: []byte(`{"itemIds":["a","b","a","c","b"]}`)}

	got, err := job.ItemIDs()
	if err != nil {
		t.Fatalf("ItemIDs: %v", err)
	}
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v (first occurrence order)", got, want)
	}
}

func TestDecodeBatchConfig_CollapsesDuplicates(t *testing.T) {
	job := &Job{Config: []byte(`{"itemIds":["p1","p1","p2"],"model":"gpt-4o-mini"}`)}

	cfg, err := job.DecodeBatchConfig()
	if err != nil {
		t.Fatalf("DecodeBatchConfig: %v", err)
	}
	if want := []string{"p1", "p2"}; !reflect.DeepEqual(cfg.ItemIDs, want) {
		t.Errorf("got %v, want %v", cfg.ItemIDs, want)
	}
}

func TestRemaining_DuplicateNeverLeavesUnreachableWork(t *testing.T) {
	job := &Job{
		Config:  []byte(`{"itemIds":["a","a"]}`),
		Results: []ItemResult{{ItemID: "a", Success: true}},
	}
	left, err := job.Remaining()
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("got remaining %v, want none", left)
	}
}
