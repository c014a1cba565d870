package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinic/clinic/internal/domain/scheduling"
)

// seed is the JSON document loaded into in-memory storage at startup.
type seed struct {
	Branches    []seedPlace              `json:"branches"`
	Rooms       []seedPlace              `json:"rooms"`
	Prices      []seedPrice              `json:"prices"`
	Assignments []*scheduling.Assignment `json:"assignments"`
}

type seedPlace struct {
	ID     uuid.UUID `json:"id"`
	Active bool      `json:"active"`
}

type seedPrice struct {
	ClinicianID uuid.UUID                  `json:"clinician_id"`
	BranchID    uuid.UUID                  `json:"branch_id"`
	Type        scheduling.AppointmentType `json:"type"`
	Price       decimal.Decimal            `json:"price"`
}

func readSeed(path string) (*seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var s seed
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode seed file %s: %w", path, err)
	}
	return &s, nil
}

// apply fills the directory first so assignments referencing its branches
// and rooms pass validation.
func (s *seed) apply(ctx context.Context, dir *scheduling.MemoryDirectory, svc *scheduling.Service) error {
	if dir == nil {
		return fmt.Errorf("seed data requires in-memory storage")
	}
	for _, b := range s.Branches {
		dir.SetBranch(b.ID, b.Active)
	}
	for _, r := range s.Rooms {
		dir.SetRoom(r.ID, r.Active)
	}
	for _, p := range s.Prices {
		dir.SetPrice(p.ClinicianID, p.BranchID, p.Type, p.Price)
	}
	for i, a := range s.Assignments {
		if err := svc.CreateAssignment(ctx, a); err != nil {
			return fmt.Errorf("seed assignment %d: %w", i, err)
		}
	}
	return nil
}
