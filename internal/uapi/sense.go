package uapi

import "fmt"

// Category is the coarse outcome class of a completed SCSI command
type Category int

const (
	CatClean Category = iota
	CatRecovered
	CatNoSense
	CatConditionMet
	CatUnitAttention
	CatNotReady
	CatMediumHard
	CatIllegalRequest
	CatAbortedCommand
	CatDataProtect
	CatBusy
	CatReservationConflict
	CatTimeout
	CatTransport
	CatOther
)

var categoryNames = map[Category]string{
	CatClean:               "clean",
	CatRecovered:           "recovered error",
	CatNoSense:             "no sense",
	CatConditionMet:        "condition met",
	CatUnitAttention:       "unit attention",
	CatNotReady:            "not ready",
	CatMediumHard:          "medium or hardware error",
	CatIllegalRequest:      "illegal request",
	CatAbortedCommand:      "aborted command",
	CatDataProtect:         "data protect",
	CatBusy:                "busy",
	CatReservationConflict: "reservation conflict",
	CatTimeout:             "timeout",
	CatTransport:           "transport error",
	CatOther:               "other error",
}

func (c Category) String() string {
	if s, ok := categoryNames[c]; ok {
		return s
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Succeeded reports whether the command completed with its data transferred
func (c Category) Succeeded() bool {
	switch c {
	case CatClean, CatRecovered, CatNoSense, CatConditionMet:
		return true
	}
	return false
}

// Sense is the decoded part of a sense buffer the engine cares about
type Sense struct {
	ResponseCode uint8
	Key          uint8
	ASC          uint8
	ASCQ         uint8
}

// ParseSense decodes fixed (0x70/0x71) and descriptor (0x72/0x73) format sense data
func ParseSense(sb []byte) (Sense, bool) {
	if len(sb) < 2 {
		return Sense{}, false
	}
	rc := sb[0] & 0x7f
	switch rc {
	case 0x70, 0x71:
		if len(sb) < 3 {
			return Sense{}, false
		}
		s := Sense{ResponseCode: rc, Key: sb[2] & 0x0f}
		if len(sb) > 13 {
			s.ASC, s.ASCQ = sb[12], sb[13]
		}
		return s, true
	case 0x72, 0x73:
		s := Sense{ResponseCode: rc, Key: sb[1] & 0x0f}
		if len(sb) > 3 {
			s.ASC, s.ASCQ = sb[2], sb[3]
		}
		return s, true
	}
	return Sense{}, false
}

func (s Sense) String() string {
	return fmt.Sprintf("sense key=%#x asc=%#02x ascq=%#02x", s.Key, s.ASC, s.ASCQ)
}

// FixedSense builds an 18-byte fixed format sense buffer
func FixedSense(key, asc, ascq uint8) []byte {
	sb := make([]byte, 18)
	sb[0] = 0x70
	sb[2] = key & 0x0f
	sb[7] = 10
	sb[12] = asc
	sb[13] = ascq
	return sb
}

// Categorize classifies a completion from its SCSI status, host status,
// driver status and sense bytes.
func Categorize(status uint8, hostStatus, driverStatus uint16, sense []byte) Category {
	switch hostStatus {
	case DID_OK:
	case DID_TIME_OUT:
		return CatTimeout
	default:
		return CatTransport
	}
	if driverStatus&DRIVER_MASK == DRIVER_TIMEOUT {
		return CatTimeout
	}

	switch status & 0x7e {
	case SAM_STAT_GOOD:
		if driverStatus&DRIVER_MASK != DRIVER_SENSE {
			return CatClean
		}
	case SAM_STAT_CONDITION_MET:
		return CatConditionMet
	case SAM_STAT_BUSY, SAM_STAT_TASK_SET_FULL:
		return CatBusy
	case SAM_STAT_RESERVATION_CONFLICT:
		return CatReservationConflict
	case SAM_STAT_TASK_ABORTED:
		return CatAbortedCommand
	case SAM_STAT_CHECK_CONDITION:
	default:
		return CatOther
	}

	s, ok := ParseSense(sense)
	if !ok {
		return CatOther
	}
	switch s.Key {
	case SENSE_NO_SENSE:
		return CatNoSense
	case SENSE_RECOVERED_ERROR:
		return CatRecovered
	case SENSE_NOT_READY:
		return CatNotReady
	case SENSE_MEDIUM_ERROR, SENSE_HARDWARE_ERROR, SENSE_BLANK_CHECK:
		return CatMediumHard
	case SENSE_ILLEGAL_REQUEST:
		return CatIllegalRequest
	case SENSE_UNIT_ATTENTION:
		return CatUnitAttention
	case SENSE_DATA_PROTECT:
		return CatDataProtect
	case SENSE_ABORTED_COMMAND:
		return CatAbortedCommand
	}
	return CatOther
}
