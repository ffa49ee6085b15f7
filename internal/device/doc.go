// Package device holds the value types shared by the registry and the
// session layer: the address-derived Identity, the Device1 property cache
// with its typed Change variant, and Handle, which owns one remote device's
// controller and attached session.
//
// Property updates are data-driven: ParseChange looks a property name up in
// a single table and returns a Change tagged with its PropertyKind. Handle
// applies changes under its own mutex, so readers of Properties never see a
// half-applied update.
package device
