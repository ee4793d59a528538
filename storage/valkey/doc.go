// Package valkey provides a Valkey-backed implementation of the storage
// interfaces. State records, encrypted token records, and sessions are
// stored as JSON values under a configurable key prefix, with TTLs derived
// from each record's expiry so Valkey itself garbage-collects expired
// artifacts.
//
// Single-use state consumption and risk flag accumulation run as Lua
// scripts so they stay atomic under concurrent callers, which a plain
// GET/SET sequence cannot guarantee.
package valkey
