package domain_test

import (
	"testing"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
	"github.com/stretchr/testify/require"
)

var (
	userPubkey = "02afd8e3d8b1605300000000000000000000000000000000000000000000000000"
	runeId     = "840002:1"
	amount     = uint64(500000000)
	sparkAddr  = "sprt1pgss9d6nmnvzrzvw5gqrmsm6yqrczvk8dul8dlrwep6deppf04kgnh"
	shareId    = "a2d58b16-0530-4f6c-8a80-d9d6c561a436"
	btcAddress = "bcrt1penmnqqwnw2vkgazzke5rkmwnhrp2nem7q4a7l9t9nnejhekgnhs84cmpx"
	verifiers  = []string{"verifier-1", "verifier-2", "verifier-3"}
	txid       = "58b160530000000000000000000000000000000000000000000000000000088e"
	txid2      = "ef1cfd000000000000000000000000000000000000000000000000000000f9c5"
	mintTxid   = "9f8d3b2a0000000000000000000000000000000000000000000000000000aa01"

	finalityDepth = uint64(6)
)

func TestDeposit(t *testing.T) {
	testIssueAddress(t)

	testSetReceiver(t)

	testRecordUtxo(t)

	testConfirmationsAndVerdicts(t)

	testFinalize(t)

	testReorg(t)

	testSettleAndSpend(t)

	testFailAndCancel(t)

	testReplay(t)
}

func issuedDeposit(t *testing.T) *domain.Deposit {
	t.Helper()

	deposit := domain.NewDeposit(
		userPubkey, runeId, amount, domain.ChainBitcoin, sparkAddr,
	)
	events, err := deposit.IssueAddress(shareId, btcAddress, verifiers)
	require.NoError(t, err)
	require.Len(t, events, 1)
	return deposit
}

func seenDeposit(t *testing.T) *domain.Deposit {
	t.Helper()

	deposit := issuedDeposit(t)
	events, err := deposit.RecordUtxo(
		domain.Outpoint{Txid: txid, VOut: 1}, amount, 10000,
	)
	require.NoError(t, err)
	require.Len(t, events, 1)
	return deposit
}

func finalisedDeposit(t *testing.T) *domain.Deposit {
	t.Helper()

	deposit := seenDeposit(t)
	_, err := deposit.UpdateConfirmations(finalityDepth)
	require.NoError(t, err)
	for _, id := range verifiers {
		_, err := deposit.RecordVerdict(id, domain.VerifierConfirmed, 1000)
		require.NoError(t, err)
	}
	events, err := deposit.Finalize(finalityDepth)
	require.NoError(t, err)
	require.Len(t, events, 1)
	return deposit
}

func testIssueAddress(t *testing.T) {
	t.Run("issue_address", func(t *testing.T) {
		t.Run("valid", func(t *testing.T) {
			deposit := domain.NewDeposit(
				userPubkey, runeId, amount, domain.ChainBitcoin, sparkAddr,
			)
			require.NotNil(t, deposit)
			require.NotEmpty(t, deposit.Id)
			require.Empty(t, deposit.Events())
			require.Equal(t, domain.UndefinedStatus, deposit.Status)

			events, err := deposit.IssueAddress(shareId, btcAddress, verifiers)
			require.NoError(t, err)
			require.Len(t, events, 1)
			require.Equal(t, domain.IssuedStatus, deposit.Status)
			require.Equal(t, domain.StatusAddressIssued, deposit.ExternalStatus())
			require.Len(t, deposit.Verifiers, len(verifiers))
			for _, id := range verifiers {
				require.Equal(t, domain.VerifierCreated, deposit.Verifiers[id])
			}

			event, ok := events[0].(domain.DepositAddressIssued)
			require.True(t, ok)
			require.Equal(t, deposit.Id, event.Id)
			require.Equal(t, btcAddress, event.DepositAddress)
			require.Equal(t, shareId, event.ShareId)
			require.Equal(t, deposit.CreatedAt, event.Timestamp)
		})

		t.Run("invalid", func(t *testing.T) {
			fixtures := []struct {
				deposit     *domain.Deposit
				shareId     string
				address     string
				verifiers   []string
				expectedErr string
			}{
				{
					deposit:     issuedDeposit(t),
					shareId:     shareId,
					address:     btcAddress,
					verifiers:   verifiers,
					expectedErr: "deposit address already issued",
				},
				{
					deposit:     domain.NewDeposit(userPubkey, runeId, amount, domain.ChainBitcoin, sparkAddr),
					shareId:     "",
					address:     btcAddress,
					verifiers:   verifiers,
					expectedErr: "missing share id",
				},
				{
					deposit:     domain.NewDeposit(userPubkey, runeId, amount, domain.ChainBitcoin, sparkAddr),
					shareId:     shareId,
					address:     "",
					verifiers:   verifiers,
					expectedErr: "missing deposit address",
				},
				{
					deposit:     domain.NewDeposit(userPubkey, runeId, amount, domain.ChainBitcoin, sparkAddr),
					shareId:     shareId,
					address:     btcAddress,
					verifiers:   nil,
					expectedErr: "missing verifier set",
				},
			}

			for _, f := range fixtures {
				events, err := f.deposit.IssueAddress(f.shareId, f.address, f.verifiers)
				require.EqualError(t, err, f.expectedErr)
				require.Empty(t, events)
			}
		})
	})
}

func testSetReceiver(t *testing.T) {
	t.Run("set_receiver", func(t *testing.T) {
		t.Run("valid", func(t *testing.T) {
			deposit := issuedDeposit(t)

			events, err := deposit.SetReceiver(sparkAddr)
			require.NoError(t, err)
			require.Len(t, events, 1)
			require.Equal(t, sparkAddr, deposit.ReceiverAddress)

			events, err = deposit.SetReceiver(sparkAddr)
			require.NoError(t, err)
			require.Empty(t, events)
		})

		t.Run("invalid", func(t *testing.T) {
			deposit := issuedDeposit(t)
			_, err := deposit.SetReceiver("")
			require.EqualError(t, err, "missing receiver address")

			finalised := finalisedDeposit(t)
			_, err = finalised.SetReceiver(sparkAddr)
			require.EqualError(t, err, "not in a valid status to set the receiver address")
		})
	})
}

func testRecordUtxo(t *testing.T) {
	t.Run("record_utxo", func(t *testing.T) {
		t.Run("valid", func(t *testing.T) {
			deposit := issuedDeposit(t)

			events, err := deposit.RecordUtxo(
				domain.Outpoint{Txid: txid, VOut: 1}, amount, 10000,
			)
			require.NoError(t, err)
			require.Len(t, events, 1)
			require.Equal(t, domain.UtxoSeenStatus, deposit.Status)
			require.Equal(t, domain.StatusWaitingForConfirmations, deposit.ExternalStatus())
			require.NotNil(t, deposit.Outpoint)
			require.Equal(t, txid, deposit.Outpoint.Txid)
			require.Equal(t, uint32(1), deposit.Outpoint.VOut)
			require.Equal(t, amount, deposit.ObservedAmount)
			require.True(t, deposit.AmountMatches())

			event, ok := events[0].(domain.DepositUtxoRecorded)
			require.True(t, ok)
			require.Equal(t, deposit.Id, event.Id)
			require.Equal(t, uint64(10000), event.SatsAmount)
		})

		t.Run("replayed_outpoint", func(t *testing.T) {
			deposit := seenDeposit(t)
			before := len(deposit.Events())

			events, err := deposit.RecordUtxo(
				domain.Outpoint{Txid: txid, VOut: 1}, amount, 10000,
			)
			require.NoError(t, err)
			require.Empty(t, events)
			require.Len(t, deposit.Events(), before)
		})

		t.Run("extra_outpoint", func(t *testing.T) {
			deposit := seenDeposit(t)

			events, err := deposit.RecordUtxo(
				domain.Outpoint{Txid: txid2, VOut: 0}, amount, 5000,
			)
			require.NoError(t, err)
			require.Len(t, events, 1)

			_, ok := events[0].(domain.DepositExtraOutpointRecorded)
			require.True(t, ok)
			require.Equal(t, domain.UtxoSeenStatus, deposit.Status)
			require.Equal(t, txid, deposit.Outpoint.Txid)
			require.Len(t, deposit.ExtraOutpoints, 1)
			require.Equal(t, txid2, deposit.ExtraOutpoints[0].Txid)

			events, err = deposit.RecordUtxo(
				domain.Outpoint{Txid: txid2, VOut: 0}, amount, 5000,
			)
			require.NoError(t, err)
			require.Empty(t, events)
			require.Len(t, deposit.ExtraOutpoints, 1)
		})

		t.Run("invalid", func(t *testing.T) {
			fixtures := []struct {
				deposit     *domain.Deposit
				outpoint    domain.Outpoint
				expectedErr string
			}{
				{
					deposit:     domain.NewDeposit(userPubkey, runeId, amount, domain.ChainBitcoin, sparkAddr),
					outpoint:    domain.Outpoint{Txid: txid, VOut: 1},
					expectedErr: "not in a valid status to record a deposit utxo",
				},
				{
					deposit:     &domain.Deposit{Id: "id", Status: domain.CancelledStatus},
					outpoint:    domain.Outpoint{Txid: txid, VOut: 1},
					expectedErr: "not in a valid status to record a deposit utxo",
				},
				{
					deposit:     &domain.Deposit{Id: "id", Status: domain.FailedStatus},
					outpoint:    domain.Outpoint{Txid: txid, VOut: 1},
					expectedErr: "not in a valid status to record a deposit utxo",
				},
				{
					deposit:     issuedDeposit(t),
					outpoint:    domain.Outpoint{},
					expectedErr: "missing outpoint txid",
				},
			}

			for _, f := range fixtures {
				events, err := f.deposit.RecordUtxo(f.outpoint, amount, 10000)
				require.EqualError(t, err, f.expectedErr)
				require.Empty(t, events)
			}
		})
	})
}

func testConfirmationsAndVerdicts(t *testing.T) {
	t.Run("update_confirmations", func(t *testing.T) {
		t.Run("valid", func(t *testing.T) {
			deposit := seenDeposit(t)

			events, err := deposit.UpdateConfirmations(3)
			require.NoError(t, err)
			require.Len(t, events, 1)
			require.Equal(t, uint64(3), deposit.Confirmations)

			events, err = deposit.UpdateConfirmations(3)
			require.NoError(t, err)
			require.Empty(t, events)

			// a shallow reorg that keeps the tx in the mempool drops the
			// count back to zero without leaving UTXO_SEEN
			events, err = deposit.UpdateConfirmations(0)
			require.NoError(t, err)
			require.Len(t, events, 1)
			require.Equal(t, uint64(0), deposit.Confirmations)
			require.Equal(t, domain.UtxoSeenStatus, deposit.Status)
			require.Equal(t, domain.StatusWaitingForConfirmations, deposit.ExternalStatus())
		})

		t.Run("invalid", func(t *testing.T) {
			deposit := issuedDeposit(t)
			events, err := deposit.UpdateConfirmations(1)
			require.EqualError(t, err, "not in a valid status to update confirmations")
			require.Empty(t, events)
		})
	})

	t.Run("record_verdict", func(t *testing.T) {
		t.Run("valid", func(t *testing.T) {
			deposit := seenDeposit(t)

			events, err := deposit.RecordVerdict("verifier-1", domain.VerifierConfirmed, 1000)
			require.NoError(t, err)
			require.Len(t, events, 1)
			require.Equal(t, domain.VerifierConfirmed, deposit.Verifiers["verifier-1"])
			require.Equal(t, uint64(1000), deposit.SatsFeeAmount)
			require.False(t, deposit.AllVerifiersConfirmed())

			events, err = deposit.RecordVerdict("verifier-1", domain.VerifierConfirmed, 1000)
			require.NoError(t, err)
			require.Empty(t, events)

			_, err = deposit.RecordVerdict("verifier-2", domain.VerifierConfirmed, 1000)
			require.NoError(t, err)
			_, err = deposit.RecordVerdict("verifier-3", domain.VerifierConfirmed, 1000)
			require.NoError(t, err)
			require.True(t, deposit.AllVerifiersConfirmed())
		})

		t.Run("invalid", func(t *testing.T) {
			deposit := seenDeposit(t)
			events, err := deposit.RecordVerdict("verifier-9", domain.VerifierConfirmed, 0)
			require.EqualError(t, err, "unknown verifier verifier-9")
			require.Empty(t, events)

			issued := issuedDeposit(t)
			events, err = issued.RecordVerdict("verifier-1", domain.VerifierWaiting, 0)
			require.EqualError(t, err, "not in a valid status to record a verifier verdict")
			require.Empty(t, events)
		})
	})
}

func testFinalize(t *testing.T) {
	t.Run("finalize", func(t *testing.T) {
		t.Run("valid", func(t *testing.T) {
			deposit := finalisedDeposit(t)
			require.Equal(t, domain.FinalisedStatus, deposit.Status)
			require.Equal(t, domain.StatusReadyForMint, deposit.ExternalStatus())
			require.False(t, deposit.IsEnded())
		})

		t.Run("invalid", func(t *testing.T) {
			lowConfs := seenDeposit(t)
			_, err := lowConfs.UpdateConfirmations(3)
			require.NoError(t, err)
			events, err := lowConfs.Finalize(finalityDepth)
			require.EqualError(t, err, "not enough confirmations, expected 6, got 3")
			require.Empty(t, events)

			missingVerdicts := seenDeposit(t)
			_, err = missingVerdicts.UpdateConfirmations(finalityDepth)
			require.NoError(t, err)
			_, err = missingVerdicts.RecordVerdict("verifier-1", domain.VerifierConfirmed, 1000)
			require.NoError(t, err)
			events, err = missingVerdicts.Finalize(finalityDepth)
			require.EqualError(t, err, "not all verifiers confirmed the deposit")
			require.Empty(t, events)

			// exactly one entry into FINALISED
			finalised := finalisedDeposit(t)
			events, err = finalised.Finalize(finalityDepth)
			require.EqualError(t, err, "not in a valid status to finalize")
			require.Empty(t, events)
		})
	})
}

func testReorg(t *testing.T) {
	t.Run("reorg", func(t *testing.T) {
		t.Run("valid", func(t *testing.T) {
			deposit := seenDeposit(t)
			_, err := deposit.UpdateConfirmations(3)
			require.NoError(t, err)
			_, err = deposit.RecordVerdict("verifier-1", domain.VerifierConfirmed, 1000)
			require.NoError(t, err)

			events, err := deposit.Reorg(finalityDepth)
			require.NoError(t, err)
			require.Len(t, events, 1)
			require.Equal(t, domain.IssuedStatus, deposit.Status)
			require.Nil(t, deposit.Outpoint)
			require.Equal(t, uint64(0), deposit.Confirmations)
			require.Equal(t, uint64(0), deposit.ObservedAmount)
			for _, id := range verifiers {
				require.Equal(t, domain.VerifierCreated, deposit.Verifiers[id])
			}

			// the count resumes when the outpoint reappears
			events, err = deposit.RecordUtxo(
				domain.Outpoint{Txid: txid, VOut: 1}, amount, 10000,
			)
			require.NoError(t, err)
			require.Len(t, events, 1)
			require.Equal(t, domain.UtxoSeenStatus, deposit.Status)
		})

		t.Run("invalid", func(t *testing.T) {
			deep := seenDeposit(t)
			_, err := deep.UpdateConfirmations(finalityDepth)
			require.NoError(t, err)
			events, err := deep.Reorg(finalityDepth)
			require.EqualError(t, err, "outpoint already reached finality depth")
			require.Empty(t, events)

			issued := issuedDeposit(t)
			events, err = issued.Reorg(finalityDepth)
			require.EqualError(t, err, "not in a valid status to reorg")
			require.Empty(t, events)
		})
	})
}

func testSettleAndSpend(t *testing.T) {
	t.Run("settle", func(t *testing.T) {
		t.Run("valid", func(t *testing.T) {
			deposit := finalisedDeposit(t)

			events, err := deposit.Settle(mintTxid)
			require.NoError(t, err)
			require.Len(t, events, 1)
			require.Equal(t, domain.SettledStatus, deposit.Status)
			require.Equal(t, mintTxid, deposit.SettlementTxid)
			require.Equal(t, domain.StatusMinted, deposit.ExternalStatus())
			require.True(t, deposit.IsEnded())
			require.False(t, deposit.IsFailed())
		})

		t.Run("invalid", func(t *testing.T) {
			deposit := seenDeposit(t)
			events, err := deposit.Settle(mintTxid)
			require.EqualError(t, err, "not in a valid status to settle")
			require.Empty(t, events)

			finalised := finalisedDeposit(t)
			events, err = finalised.Settle("")
			require.EqualError(t, err, "missing settlement txid")
			require.Empty(t, events)
		})
	})

	t.Run("mark_utxo_spent", func(t *testing.T) {
		t.Run("valid", func(t *testing.T) {
			deposit := finalisedDeposit(t)
			_, err := deposit.Settle(mintTxid)
			require.NoError(t, err)

			events, err := deposit.MarkUtxoSpent(txid2)
			require.NoError(t, err)
			require.Len(t, events, 1)
			require.Equal(t, domain.SettledStatus, deposit.Status)
			require.Equal(t, txid2, deposit.SpentByTxid)
			require.Equal(t, domain.StatusSpent, deposit.ExternalStatus())

			events, err = deposit.MarkUtxoSpent(txid2)
			require.NoError(t, err)
			require.Empty(t, events)

			events, err = deposit.MarkUtxoSpent(mintTxid)
			require.EqualError(t, err, "utxo already spent by "+txid2)
			require.Empty(t, events)
		})

		t.Run("invalid", func(t *testing.T) {
			deposit := finalisedDeposit(t)
			events, err := deposit.MarkUtxoSpent(txid2)
			require.EqualError(t, err, "not in a valid status to mark the utxo spent")
			require.Empty(t, events)
		})
	})
}

func testFailAndCancel(t *testing.T) {
	t.Run("fail", func(t *testing.T) {
		deposit := finalisedDeposit(t)

		events := deposit.Fail(domain.FailureQuorumLost, "2 of 3 verifiers refused")
		require.Len(t, events, 1)
		require.Equal(t, domain.FailedStatus, deposit.Status)
		require.True(t, deposit.IsFailed())
		require.Equal(t, domain.FailureQuorumLost, deposit.FailureReason)
		require.Equal(t, domain.StatusFailed, deposit.ExternalStatus())

		// terminal states absorb further failures
		events = deposit.Fail(domain.FailureAmountMismatch, "")
		require.Empty(t, events)
		require.Equal(t, domain.FailureQuorumLost, deposit.FailureReason)

		settled := finalisedDeposit(t)
		_, err := settled.Settle(mintTxid)
		require.NoError(t, err)
		events = settled.Fail(domain.FailureDoubleSpend, "")
		require.Empty(t, events)
		require.Equal(t, domain.SettledStatus, settled.Status)
	})

	t.Run("cancel", func(t *testing.T) {
		t.Run("valid", func(t *testing.T) {
			deposit := issuedDeposit(t)

			events, err := deposit.Cancel()
			require.NoError(t, err)
			require.Len(t, events, 1)
			require.Equal(t, domain.CancelledStatus, deposit.Status)
			require.Equal(t, domain.FailureCancelled, deposit.FailureReason)
			require.Equal(t, domain.StatusFailed, deposit.ExternalStatus())
			require.True(t, deposit.IsEnded())

			// a late indexer callback for the cancelled address is rejected
			utxoEvents, err := deposit.RecordUtxo(
				domain.Outpoint{Txid: txid, VOut: 1}, amount, 10000,
			)
			require.Error(t, err)
			require.Empty(t, utxoEvents)
		})

		t.Run("invalid", func(t *testing.T) {
			deposit := seenDeposit(t)
			events, err := deposit.Cancel()
			require.ErrorIs(t, err, domain.ErrDepositAlreadyObserved)
			require.Empty(t, events)
			require.Equal(t, domain.UtxoSeenStatus, deposit.Status)
		})
	})
}

func testReplay(t *testing.T) {
	t.Run("replay", func(t *testing.T) {
		deposit := finalisedDeposit(t)
		_, err := deposit.Settle(mintTxid)
		require.NoError(t, err)
		_, err = deposit.MarkUtxoSpent(txid2)
		require.NoError(t, err)

		replayed := domain.NewDepositFromEvents(deposit.Events())
		require.Equal(t, deposit.Id, replayed.Id)
		require.Equal(t, deposit.Status, replayed.Status)
		require.Equal(t, deposit.UserPublicKey, replayed.UserPublicKey)
		require.Equal(t, deposit.RuneId, replayed.RuneId)
		require.Equal(t, deposit.Amount, replayed.Amount)
		require.Equal(t, deposit.DepositAddress, replayed.DepositAddress)
		require.Equal(t, deposit.ShareId, replayed.ShareId)
		require.Equal(t, deposit.Outpoint, replayed.Outpoint)
		require.Equal(t, deposit.Confirmations, replayed.Confirmations)
		require.Equal(t, deposit.Verifiers, replayed.Verifiers)
		require.Equal(t, deposit.SettlementTxid, replayed.SettlementTxid)
		require.Equal(t, deposit.SpentByTxid, replayed.SpentByTxid)
		require.Equal(t, deposit.ExternalStatus(), replayed.ExternalStatus())
		require.Equal(t, uint(len(deposit.Events())), replayed.Version)
		require.Equal(t, deposit.Events(), replayed.Events())
	})
}
