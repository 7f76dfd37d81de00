// Package contest coordinates a fixed group of contestants that repeatedly
// compete for an exclusively-held leadership role through a coordination
// namespace with ephemeral-sequential nodes and one-shot watches.
//
// Each contestant registers an ephemeral-sequential election node under a
// shared parent. The contestant owning the lexicographically smallest node is
// the leader; every other contestant watches only its immediate predecessor,
// so a single departure wakes exactly one peer instead of the whole group.
//
// Leadership rotates: a leader relinquishes after a randomized hold interval,
// deletes its node and rejoins at the back of the ordering with a fresh,
// strictly larger sequence suffix. The rotation runs until the group is
// stopped, which makes the package suitable for soak-testing a coordination
// service.
//
// The coordination service is consumed through the coord.Client interface;
// see the coord package for the etcd-backed implementation and the latency
// package for the companion load harness.
package contest
