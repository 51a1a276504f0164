package domain

const DepositTopic = "deposit"

type DepositEvent interface {
	IsEvent()
}

func (d DepositAddressIssued) IsEvent()         {}
func (d DepositReceiverUpdated) IsEvent()       {}
func (d DepositUtxoRecorded) IsEvent()          {}
func (d DepositExtraOutpointRecorded) IsEvent() {}
func (d DepositConfirmationsUpdated) IsEvent()  {}
func (d DepositVerdictRecorded) IsEvent()       {}
func (d DepositReorged) IsEvent()               {}
func (d DepositFinalized) IsEvent()             {}
func (d DepositSettled) IsEvent()               {}
func (d DepositUtxoSpent) IsEvent()             {}
func (d DepositFailed) IsEvent()                {}
func (d DepositCancelled) IsEvent()             {}

type DepositAddressIssued struct {
	Id              string
	UserPublicKey   string
	RuneId          string
	Amount          uint64
	Chain           Chain
	ReceiverAddress string
	ShareId         string
	DepositAddress  string
	Verifiers       []string
	Timestamp       int64
}

type DepositReceiverUpdated struct {
	Id              string
	ReceiverAddress string
	Timestamp       int64
}

type DepositUtxoRecorded struct {
	Id         string
	Txid       string
	VOut       uint32
	RuneAmount uint64
	SatsAmount uint64
	Timestamp  int64
}

type DepositExtraOutpointRecorded struct {
	Id         string
	Txid       string
	VOut       uint32
	RuneAmount uint64
	Timestamp  int64
}

type DepositConfirmationsUpdated struct {
	Id            string
	Confirmations uint64
	Timestamp     int64
}

type DepositVerdictRecorded struct {
	Id            string
	VerifierId    string
	Verdict       VerifierStatus
	SatsFeeAmount uint64
	Timestamp     int64
}

type DepositReorged struct {
	Id        string
	Timestamp int64
}

type DepositFinalized struct {
	Id        string
	Timestamp int64
}

type DepositSettled struct {
	Id        string
	Txid      string
	Timestamp int64
}

type DepositUtxoSpent struct {
	Id        string
	Txid      string
	Timestamp int64
}

type DepositFailed struct {
	Id        string
	Reason    string
	Detail    string
	Timestamp int64
}

type DepositCancelled struct {
	Id        string
	Timestamp int64
}
