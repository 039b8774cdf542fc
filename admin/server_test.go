package admin

import (
	"context"
	"strings"
	"testing"

	"github.com/hdf5go/mdcache/cache"
	"github.com/hdf5go/mdcache/class"
	"github.com/hdf5go/mdcache/internal/testutil"
)

func newTestServer(t *testing.T) Server {
	t.Helper()
	c, err := cache.New(cache.Config{
		Store:        testutil.NewMemStore(),
		Registry:     class.NewRegistry(),
		MaxSize:      4096,
		MinCleanSize: 1024,
	})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	return NewServer(c)
}

func TestStatsReflectsCacheBounds(t *testing.T) {
	srv := newTestServer(t)
	resp, err := srv.Stats(context.Background(), &StatsRequest{})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if resp.MaxSize != 4096 || resp.MinCleanSize != 1024 {
		t.Fatalf("Stats = %+v, want bounds (4096,1024)", resp)
	}
	if resp.NumEntries != 0 {
		t.Fatalf("NumEntries = %d, want 0 on an empty cache", resp.NumEntries)
	}
}

func TestDumpIndexOnEmptyCache(t *testing.T) {
	srv := newTestServer(t)
	resp, err := srv.DumpIndex(context.Background(), &DumpIndexRequest{})
	if err != nil {
		t.Fatalf("DumpIndex: %v", err)
	}
	if len(resp.Entries) != 0 {
		t.Fatalf("Entries = %v, want empty", resp.Entries)
	}
}

func TestDumpDirtyListIncludesName(t *testing.T) {
	srv := newTestServer(t)
	resp, err := srv.DumpDirtyList(context.Background(), &DumpRequest{Name: "probe"})
	if err != nil {
		t.Fatalf("DumpDirtyList: %v", err)
	}
	if !strings.Contains(resp.Text, "probe") {
		t.Fatalf("Text = %q, want it to include the dump name %q", resp.Text, "probe")
	}
}

func TestValidateReportsHealthyCache(t *testing.T) {
	srv := newTestServer(t)
	resp, err := srv.Validate(context.Background(), &ValidateRequest{})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !resp.Valid || resp.Error != "" {
		t.Fatalf("Validate = %+v, want valid with no error on a fresh cache", resp)
	}
}

func TestJSONCodecRoundTrips(t *testing.T) {
	var codec JSONCodec
	in := &StatsRequest{}
	data, err := codec.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out StatsRequest
	if err := codec.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
}
