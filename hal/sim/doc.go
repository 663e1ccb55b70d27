// Package sim provides an in-memory register model satisfying the hal
// contract. It stands in for the device controller in tests and in the
// demo binaries, modelling FIFO occupancy, pending interrupt bits,
// latched endpoint numbers, and the address, stall, and PID toggle
// registers.
//
// The host side of the bus is driven through helper methods:
// SubmitSetup and SubmitOut deliver packets from the simulated host,
// TransmittedPackets returns everything the device has sent, and
// Stalled and Address expose register state for assertions.
package sim
