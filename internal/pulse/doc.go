// Package pulse owns the radar pulse data model and its datagram codec.
//
// Responsibilities: validating and decoding UDP datagrams into borrowed
// pulse views, encoding datagrams for simulation and capture, and making
// owned FullPulse copies for pulses that must outlive their datagram.
//
// Dependency rule: pulse has no dependencies on other internal packages.
package pulse
