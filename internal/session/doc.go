// Package session manages the lifecycle of language backend
// processes: provisioning the executable, launching it, performing
// the initialize handshake, relaying requests, and guaranteeing
// teardown on every failure path.
//
// A Session owns exactly one backend process. A Manager owns the
// sessions for one workspace root plus a shared process supervisor
// for ad-hoc commands.
package session
