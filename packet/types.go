package packet

import "strconv"

type Type int

// Tags are part of the wire format; never renumber.
const (
	TypeUpdate             Type = 1
	TypeRead               Type = 2
	TypeReadReply          Type = 3
	TypeCommandReturnValue Type = 4

	TypePropose      Type = 10
	TypeAccept       Type = 11
	TypeAcceptReply  Type = 12
	TypeDecision     Type = 13
	TypePrepare      Type = 14
	TypePrepareReply Type = 15
	TypeFailurePing  Type = 16
	TypeFailurePong  Type = 17
	TypeSyncRequest  Type = 18
	TypeSyncReply    Type = 19

	TypeNewActivePropose        Type = 30
	TypeOldActiveFrozen         Type = 31
	TypeNewActiveStart          Type = 32
	TypePrevValueRequest        Type = 33
	TypePrevValueResponse       Type = 34
	TypeNewActiveStartConfirm   Type = 35
	TypeOldActiveStop           Type = 36
	TypeOldActiveStopConfirm    Type = 37
	TypeGroupChangeComplete     Type = 38
	TypeGroupChangeAbort        Type = 39
	TypeProposeGroupChange      Type = 40
	TypeGroupChangeAbortConfirm Type = 41

	TypeAddRecord           Type = 50
	TypeRemoveRecord        Type = 51
	TypeActiveAdd           Type = 52
	TypeActiveAddConfirm    Type = 53
	TypeActiveRemove        Type = 54
	TypeActiveRemoveConfirm Type = 55
	TypeRequestActives      Type = 56
	TypeRequestActivesReply Type = 57
	TypeNameServerLoad      Type = 58
)

var typeNames = map[Type]string{
	TypeUpdate:                  "UPDATE",
	TypeRead:                    "READ",
	TypeReadReply:               "READ_REPLY",
	TypeCommandReturnValue:      "COMMAND_RETURN_VALUE",
	TypePropose:                 "PAXOS_PROPOSE",
	TypeAccept:                  "PAXOS_ACCEPT",
	TypeAcceptReply:             "PAXOS_ACCEPT_REPLY",
	TypeDecision:                "PAXOS_DECISION",
	TypePrepare:                 "PAXOS_PREPARE",
	TypePrepareReply:            "PAXOS_PREPARE_REPLY",
	TypeFailurePing:             "FAILURE_DETECT",
	TypeFailurePong:             "FAILURE_RESPONSE",
	TypeSyncRequest:             "SYNC_REQUEST",
	TypeSyncReply:               "SYNC_REPLY",
	TypeNewActivePropose:        "NEW_ACTIVE_PROPOSE",
	TypeOldActiveFrozen:         "OLD_ACTIVE_FROZEN",
	TypeNewActiveStart:          "NEW_ACTIVE_START",
	TypePrevValueRequest:        "NEW_ACTIVE_START_PREV_VALUE_REQUEST",
	TypePrevValueResponse:       "NEW_ACTIVE_START_PREV_VALUE_RESPONSE",
	TypeNewActiveStartConfirm:   "NEW_ACTIVE_START_CONFIRM_TO_PRIMARY",
	TypeOldActiveStop:           "OLD_ACTIVE_STOP",
	TypeOldActiveStopConfirm:    "OLD_ACTIVE_STOP_CONFIRM_TO_PRIMARY",
	TypeGroupChangeComplete:     "GROUP_CHANGE_COMPLETE",
	TypeGroupChangeAbort:        "GROUP_CHANGE_ABORT",
	TypeProposeGroupChange:      "PROPOSE_GROUP_CHANGE",
	TypeGroupChangeAbortConfirm: "GROUP_CHANGE_ABORT_CONFIRM",
	TypeAddRecord:               "ADD_RECORD",
	TypeRemoveRecord:            "REMOVE_RECORD",
	TypeActiveAdd:               "ACTIVE_ADD",
	TypeActiveAddConfirm:        "ACTIVE_ADD_CONFIRM",
	TypeActiveRemove:            "ACTIVE_REMOVE",
	TypeActiveRemoveConfirm:     "ACTIVE_REMOVE_CONFIRM",
	TypeRequestActives:          "REQUEST_ACTIVES",
	TypeRequestActivesReply:     "REQUEST_ACTIVES_REPLY",
	TypeNameServerLoad:          "NAME_SERVER_LOAD",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "TYPE_" + strconv.Itoa(int(t))
}

// ResponseCode is the client visible outcome carried in return packets.
type ResponseCode int

const (
	NoError ResponseCode = iota
	Timeout
	NotActive
	Stopped
	NoSuchName
	NotReady
	Failure
)

func (c ResponseCode) String() string {
	switch c {
	case NoError:
		return "NO_ERROR"
	case Timeout:
		return "TIMEOUT"
	case NotActive:
		return "NOT_ACTIVE"
	case Stopped:
		return "STOPPED"
	case NoSuchName:
		return "NO_SUCH_NAME"
	case NotReady:
		return "NOT_READY"
	case Failure:
		return "FAILURE"
	}
	return "CODE_" + strconv.Itoa(int(c))
}

// Update operations understood by the applier.
const (
	OpReplace = "REPLACE"
	OpAppend  = "APPEND"
	OpRemove  = "REMOVE"
)
