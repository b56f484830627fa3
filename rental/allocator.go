/*
allocator.go - Turns a requested line into concrete unit assignments

PURPOSE:
  Given (tool type, quantity, range) picks the instances that will be held
  for the line, either automatically from the availability engine's order
  or from ids/serials supplied by the operator.

MODES:
  auto:   first N eligible instances, ascending id
  manual: each supplied instance is checked on its own; one bad instance
          rejects the whole line with InstanceUnavailable

DEFICIT POLICY:
  allowDeficit is an explicit per-line opt-in. With it, a shortfall becomes
  deficit markers (one per missing unit) and the result is flagged. Without
  it, an auto shortfall is NoCapacity and a short manual list is a
  ValidationError.

CLAIMS:
  Instances taken by an earlier line of the same command are tracked in a
  claim set so two lines never pick the same unit before either is stored.

SEE ALSO:
  - availability.go: Eligibility and ordering
  - lifecycle.go: Turns assignments into Allocation records
*/
package rental

import (
	"context"
	"errors"
	"fmt"
)

// LineRequest describes one requested line.
type LineRequest struct {
	ToolTypeID     ToolTypeID
	Quantity       int
	AssignmentMode AssignmentMode
	// AllowDeficit overrides the manager's default when set.
	AllowDeficit  *bool
	InstanceIDs   []InstanceID
	SerialNumbers []string
	// Period overrides the reservation's range for this line.
	Period *DateRange
}

// Assignment is the allocator's answer for one line.
type Assignment struct {
	ToolTypeID ToolTypeID
	Period     DateRange
	Instances  []ToolInstance
	Deficit    int
}

// HasDeficit is true when some units could not be physically satisfied.
func (a *Assignment) HasDeficit() bool { return a.Deficit > 0 }

// claimSet tracks instances taken within one command.
type claimSet map[InstanceID]bool

// Allocator assigns instances using the availability engine.
type Allocator struct {
	Engine AvailabilityEngine
}

// Allocate resolves one line. claimed is updated with the chosen instances.
func (a Allocator) Allocate(ctx context.Context, s Store, req LineRequest, allowDeficit bool, period DateRange, claimed claimSet) (*Assignment, error) {
	if req.Quantity <= 0 {
		return nil, &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	mode := req.AssignmentMode
	if mode == "" {
		mode = AssignAuto
		if len(req.InstanceIDs) > 0 || len(req.SerialNumbers) > 0 {
			mode = AssignManual
		}
	}
	switch mode {
	case AssignAuto:
		return a.auto(ctx, s, req, allowDeficit, period, claimed)
	case AssignManual:
		return a.manual(ctx, s, req, allowDeficit, period, claimed)
	}
	return nil, &ValidationError{Field: "assignmentMode", Reason: fmt.Sprintf("unknown mode %q", mode)}
}

func (a Allocator) auto(ctx context.Context, s Store, req LineRequest, allowDeficit bool, period DateRange, claimed claimSet) (*Assignment, error) {
	res, err := a.Engine.Query(ctx, s, AvailabilityQuery{ToolTypeID: req.ToolTypeID, Period: period, Quantity: req.Quantity})
	if err != nil {
		return nil, err
	}
	out := &Assignment{ToolTypeID: req.ToolTypeID, Period: period}
	for _, inst := range res.Instances {
		if len(out.Instances) == req.Quantity {
			break
		}
		if claimed[inst.ID] {
			continue
		}
		out.Instances = append(out.Instances, inst)
	}
	short := req.Quantity - len(out.Instances)
	if short > 0 {
		if !allowDeficit {
			return nil, &NoCapacityError{
				ToolTypeID: req.ToolTypeID,
				Period:     period,
				Requested:  req.Quantity,
				Available:  len(out.Instances),
			}
		}
		out.Deficit = short
	}
	for _, inst := range out.Instances {
		claimed[inst.ID] = true
	}
	return out, nil
}

func (a Allocator) manual(ctx context.Context, s Store, req LineRequest, allowDeficit bool, period DateRange, claimed claimSet) (*Assignment, error) {
	chosen, err := resolveInstances(ctx, s, req.InstanceIDs, req.SerialNumbers)
	if err != nil {
		return nil, err
	}
	if len(chosen) == 0 {
		return nil, &ValidationError{Field: "instanceIds", Reason: "manual assignment needs instance ids or serial numbers"}
	}
	if len(chosen) > req.Quantity {
		return nil, &ValidationError{
			Field:  "instanceIds",
			Reason: fmt.Sprintf("%d instances supplied for quantity %d", len(chosen), req.Quantity),
		}
	}
	for _, inst := range chosen {
		if inst.ToolTypeID != req.ToolTypeID {
			return nil, &InstanceUnavailableError{
				InstanceID: inst.ID,
				Reason:     fmt.Sprintf("instance is a %s, not a %s", inst.ToolTypeID, req.ToolTypeID),
			}
		}
		if claimed[inst.ID] {
			return nil, &InstanceUnavailableError{InstanceID: inst.ID, Reason: "already assigned in this request"}
		}
		if err := a.Engine.Check(ctx, s, inst, period); err != nil {
			return nil, err
		}
	}

	out := &Assignment{ToolTypeID: req.ToolTypeID, Period: period, Instances: chosen}
	if short := req.Quantity - len(chosen); short > 0 {
		if !allowDeficit {
			return nil, &ValidationError{
				Field:  "instanceIds",
				Reason: fmt.Sprintf("%d instances supplied for quantity %d and deficit is not allowed", len(chosen), req.Quantity),
			}
		}
		out.Deficit = short
	}
	for _, inst := range chosen {
		claimed[inst.ID] = true
	}
	return out, nil
}

// resolveInstances loads instances by id and serial, rejecting duplicates.
// Unknown ids are reported as unavailable so the whole line fails.
func resolveInstances(ctx context.Context, s Store, ids []InstanceID, serials []string) ([]ToolInstance, error) {
	seen := make(map[InstanceID]bool)
	var out []ToolInstance
	add := func(inst ToolInstance) error {
		if seen[inst.ID] {
			return &ValidationError{Field: "instanceIds", Reason: fmt.Sprintf("instance %s listed twice", inst.ID)}
		}
		seen[inst.ID] = true
		out = append(out, inst)
		return nil
	}
	for _, id := range ids {
		inst, err := s.GetInstance(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, &InstanceUnavailableError{InstanceID: id, Reason: "unknown instance"}
			}
			return nil, err
		}
		if err := add(inst); err != nil {
			return nil, err
		}
	}
	for _, serial := range serials {
		inst, err := s.FindInstanceBySerial(ctx, serial)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, &InstanceUnavailableError{InstanceID: InstanceID(serial), Reason: "unknown serial number"}
			}
			return nil, err
		}
		if err := add(inst); err != nil {
			return nil, err
		}
	}
	return out, nil
}
