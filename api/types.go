// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations and constants.

package api

//go:generate go tool stringer -type=Stage -linecomment

// Stage names one step of port bring-up so setup failures can say where
// they happened.
type Stage int

const (
	StageValidate    Stage = iota // validate port
	StagePool                     // create mbuf pool
	StageDevInfo                  // get device info
	StageConfigure                // configure device
	StageAdjustDesc               // adjust ring sizes
	StageRxQueue                  // set up RX queue
	StageTxQueue                  // set up TX queue
	StageStart                    // start device
	StageMAC                      // read MAC address
	StagePromiscuous              // enable promiscuous mode
)

// NoNUMA marks "no locality preference".
const NoNUMA = -1
