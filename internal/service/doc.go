// Package service joins the BlueZ adapter to the device registry.
//
// A Service implements connmgr.Handler. Object announcements and property
// changes go through the registry's notification queue, object removal
// tears the device down synchronously, and every descriptor handed over
// by the profile runs as a duplex session attached to its device.
package service
