package cwndlab

//
// Installing and removing impairments
//

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ImpairmentController installs and removes an [ImpairmentProfile]. The netem
// part of a profile goes on the sender's egress and the [PeriodicDrop] part
// goes on the receiver's input. The zero value is invalid; please, construct
// using [NewImpairmentController] or make sure you set all MANDATORY fields.
type ImpairmentController struct {
	// Filter is the MANDATORY [PacketFilter] for [PeriodicDrop].
	Filter PacketFilter

	// Inspector is the MANDATORY [QdiscInspector] used by CheckClean.
	Inspector QdiscInspector

	// Logger is the MANDATORY logger.
	Logger Logger

	// MTU is the MANDATORY MTU used by the oversize guard.
	MTU int

	// Port is the MANDATORY drain port.
	Port int

	// Receiver is the MANDATORY receiving endpoint.
	Receiver Endpoint

	// Sender is the MANDATORY sending endpoint.
	Sender Endpoint

	// Shell is the MANDATORY shell.
	Shell Shell
}

// NewImpairmentController creates an [ImpairmentController] for the given topology.
func NewImpairmentController(topology *Topology, shell Shell, logger Logger) *ImpairmentController {
	return &ImpairmentController{
		Filter:    NewPacketFilter(),
		Inspector: topology,
		Logger:    logger,
		MTU:       topology.Config.MTU,
		Port:      topology.Config.Port,
		Receiver:  topology.Config.Far,
		Sender:    topology.Config.Near,
		Shell:     shell,
	}
}

// Apply installs the netem part of profile as the root qdisc of endpoint. This
// function does nothing when the profile does not need netem.
func (c *ImpairmentController) Apply(ctx context.Context, endpoint string, profile *ImpairmentProfile) error {
	args := profile.NetemArgs()
	if len(args) <= 0 {
		return nil
	}
	c.Logger.Infof("cwndlab: %s: netem %s", endpoint, strings.Join(args, " "))
	err := shellNetnsRunf(ctx, c.Shell, endpoint, "tc qdisc add dev %s root netem %s", endpoint, strings.Join(args, " "))
	if err != nil {
		return newError(ImpairmentError, endpoint, profile.String(), "apply", err)
	}
	return nil
}

// Remove removes the netem qdisc installed by Apply.
func (c *ImpairmentController) Remove(ctx context.Context, endpoint string, profile *ImpairmentProfile) error {
	args := profile.NetemArgs()
	if len(args) <= 0 {
		return nil
	}
	err := shellNetnsRunf(ctx, c.Shell, endpoint, "tc qdisc del dev %s root netem %s", endpoint, strings.Join(args, " "))
	if err != nil {
		return newError(ImpairmentError, endpoint, profile.String(), "remove", err)
	}
	return nil
}

// CheckClean fails with [ErrStaleImpairment] when a previous trial left a
// netem qdisc or our filters on any endpoint.
func (c *ImpairmentController) CheckClean(ctx context.Context) error {
	for _, ep := range []Endpoint{c.Sender, c.Receiver} {
		qdiscs, err := c.Inspector.QdiscState(ep)
		if err != nil {
			return newError(ImpairmentError, ep.Name, "", "check", err)
		}
		for _, q := range qdiscs {
			if q.Kind == "netem" {
				err := fmt.Errorf("%w: netem qdisc", ErrStaleImpairment)
				return newError(ImpairmentError, ep.Name, "", "check", err)
			}
		}
		present, err := c.Filter.Installed(ep.Name)
		if err != nil {
			return newError(ImpairmentError, ep.Name, "", "check", err)
		}
		if present {
			err := fmt.Errorf("%w: nftables table %s", ErrStaleImpairment, filterTable)
			return newError(ImpairmentError, ep.Name, "", "check", err)
		}
	}
	return nil
}

// Impair installs profile on the topology. On failure, it removes whatever it
// has already installed before returning the error.
func (c *ImpairmentController) Impair(ctx context.Context, profile *ImpairmentProfile) error {
	if err := c.Apply(ctx, c.Sender.Name, profile); err != nil {
		// the qdisc may exist if tc failed after installing it
		_ = shellNetnsRunf(ctx, c.Shell, c.Sender.Name, "tc qdisc del dev %s root", c.Sender.Name)
		return err
	}
	if pd, found := profile.PeriodicDrop(); found {
		if err := c.InstallPeriodicDrop(ctx, c.Receiver.Name, pd); err != nil {
			_ = c.Remove(ctx, c.Sender.Name, profile)
			return err
		}
	}
	return nil
}

// Restore removes the profile installed by Impair. It attempts to remove
// every part of the profile even when removing one of them fails.
func (c *ImpairmentController) Restore(ctx context.Context, profile *ImpairmentProfile) error {
	var errv []error
	if err := c.Remove(ctx, c.Sender.Name, profile); err != nil {
		errv = append(errv, err)
	}
	if _, found := profile.PeriodicDrop(); found {
		if err := c.FlushFilters(ctx, c.Receiver.Name); err != nil {
			errv = append(errv, err)
		}
	}
	return errors.Join(errv...)
}

// ReceiverDropStats returns the [PeriodicDropStats] of the receiver.
func (c *ImpairmentController) ReceiverDropStats(ctx context.Context) (*PeriodicDropStats, error) {
	return c.PeriodicDropStats(ctx, c.Receiver.Name)
}
