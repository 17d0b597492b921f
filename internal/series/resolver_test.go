package series

import (
	"context"
	"testing"
	"time"

	"github.com/gxplabs/fieldstore/internal/errors"
	"github.com/gxplabs/fieldstore/internal/types"
)

func testRegistry() *StaticRegistry {
	reg := NewStaticRegistry()
	reg.AddSite("site-1", "tenant-a")
	reg.AddSite("orphan-site", "")
	reg.AddPhase(PhaseWindow{
		ProgramID: "prog-1",
		Name:      "treatment",
		Start:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
	})
	return reg
}

func TestResolver_Resolve(t *testing.T) {
	r := NewResolver(testRegistry())
	ctx := context.Background()

	sub := &types.Submission{
		SiteID:     "site-1",
		ProgramID:  "prog-1",
		SeriesCode: "G001",
	}

	key, err := r.Resolve(ctx, sub)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	want := types.SeriesKey{
		TenantID: "tenant-a", ProgramID: "prog-1",
		SiteID: "site-1", SeriesCode: "G001",
	}
	if key != want {
		t.Errorf("key = %+v, want %+v", key, want)
	}
}

func TestResolver_MissingTenantBlocksIngestion(t *testing.T) {
	r := NewResolver(testRegistry())
	ctx := context.Background()

	sub := &types.Submission{SiteID: "orphan-site", ProgramID: "prog-1", SeriesCode: "G001"}
	_, err := r.Resolve(ctx, sub)
	if !errors.Is(err, errors.ErrMissingTenant) {
		t.Fatalf("expected ErrMissingTenant, got %v", err)
	}
}

func TestResolver_UnknownSite(t *testing.T) {
	r := NewResolver(testRegistry())

	_, err := r.Resolve(context.Background(), &types.Submission{SiteID: "nope"})
	if !errors.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestResolver_ResolvePhaseDay(t *testing.T) {
	r := NewResolver(testRegistry())
	ctx := context.Background()

	tests := []struct {
		name     string
		sub      types.Submission
		expected int
		wantErr  bool
	}{
		{
			name: "explicit phase day wins",
			sub: types.Submission{
				ProgramID: "prog-1", PhaseDay: 7,
				CapturedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
			},
			expected: 7,
		},
		{
			name: "first day of phase",
			sub: types.Submission{
				ProgramID:  "prog-1",
				CapturedAt: time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC),
			},
			expected: 1,
		},
		{
			name: "later day of phase",
			sub: types.Submission{
				ProgramID:  "prog-1",
				CapturedAt: time.Date(2026, 3, 5, 6, 0, 0, 0, time.UTC),
			},
			expected: 5,
		},
		{
			name: "outside schedule",
			sub: types.Submission{
				ProgramID:  "prog-1",
				CapturedAt: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
			},
			wantErr: true,
		},
		{
			name: "unknown program",
			sub: types.Submission{
				ProgramID:  "prog-x",
				CapturedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			day, err := r.ResolvePhaseDay(ctx, &tt.sub)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if day != tt.expected {
				t.Errorf("phase day = %d, want %d", day, tt.expected)
			}
		})
	}
}
