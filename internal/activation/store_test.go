package activation

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	apperrors "deviceauth/internal/errors"
)

const (
	testSerial  = "523749811223666"
	testFactory = "FD-000042"
)

func newSQLiteMemoryStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open(SQLiteDriver, ":memory:")
	require.NoError(t, err)
	// Every pooled connection would otherwise see its own empty in-memory database
	db.SetMaxOpenConns(1)

	store, err := NewSQLStore(context.Background(), db)
	require.NoError(t, err)
	return store
}

// StoreContractSuite runs the same expectations against every Store implementation
type StoreContractSuite struct {
	suite.Suite
	newStore func(t *testing.T) Store
	store    Store
	ctx      context.Context
}

func (s *StoreContractSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore(s.T())
}

func (s *StoreContractSuite) TearDownTest() {
	s.NoError(s.store.Close())
}

func (s *StoreContractSuite) provisionReady(serial, factory string) *Record {
	rec, err := s.store.Insert(s.ctx, NewRecord{SerialNumber: serial, FactoryDataID: factory, InitiatedBy: "provisioner", Ready: true})
	s.Require().NoError(err)
	return rec
}

func (s *StoreContractSuite) TestInsertAssignsIdentity() {
	first := s.provisionReady(testSerial, testFactory)
	second := s.provisionReady("523749811223667", "")

	s.NotEmpty(first.ID)
	s.NotEqual(first.ID, second.ID)
	s.Greater(second.Seq, first.Seq)
	s.Equal(StateReady, first.State)
	s.True(first.ActivationReady())
	s.Equal("provisioner", first.InitiatedBy)
	s.False(first.InitiatedAt.IsZero())
	s.True(first.ClaimedAt.IsZero())
}

func (s *StoreContractSuite) TestInsertRequiresAKey() {
	_, err := s.store.Insert(s.ctx, NewRecord{InitiatedBy: "provisioner", Ready: true})
	s.ErrorIs(err, apperrors.ErrInvalidRequest)
}

func (s *StoreContractSuite) TestInsertRefusesSecondReadyRecord() {
	s.provisionReady(testSerial, testFactory)

	_, err := s.store.Insert(s.ctx, NewRecord{SerialNumber: testSerial, Ready: true})
	s.ErrorIs(err, apperrors.ErrAlreadyReady)

	// The factory data id alone also collides
	_, err = s.store.Insert(s.ctx, NewRecord{SerialNumber: "other", FactoryDataID: testFactory, Ready: true})
	s.ErrorIs(err, apperrors.ErrAlreadyReady)

	// Records that are not ready never collide
	inactive, err := s.store.Insert(s.ctx, NewRecord{SerialNumber: testSerial, Ready: false})
	s.Require().NoError(err)
	s.Equal(StateInactive, inactive.State)
	s.False(inactive.ActivationReady())
}

func (s *StoreContractSuite) TestCanBeActivated() {
	ok, err := s.store.CanBeActivated(s.ctx, SerialKey(testSerial))
	s.Require().NoError(err)
	s.False(ok)

	s.provisionReady(testSerial, testFactory)

	ok, err = s.store.CanBeActivated(s.ctx, SerialKey(testSerial))
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.store.CanBeActivated(s.ctx, FactoryDataKey(testFactory))
	s.Require().NoError(err)
	s.True(ok)

	_, err = s.store.CanBeActivated(s.ctx, SerialKey(" "))
	s.ErrorIs(err, apperrors.ErrInvalidRequest)
	_, err = s.store.CanBeActivated(s.ctx, Key{Kind: "imei", Value: "1"})
	s.ErrorIs(err, apperrors.ErrInvalidRequest)
}

func (s *StoreContractSuite) TestClaimOnce() {
	provisioned := s.provisionReady(testSerial, testFactory)

	claimed, err := s.store.Claim(s.ctx, SerialKey(testSerial), "device")
	s.Require().NoError(err)
	s.Equal(provisioned.ID, claimed.ID)
	s.Equal(provisioned.Seq, claimed.Seq)
	s.Equal(StateClaimed, claimed.State)
	s.Equal("device", claimed.ClaimedBy)
	s.False(claimed.ClaimedAt.IsZero())

	_, err = s.store.Claim(s.ctx, SerialKey(testSerial), "device")
	s.ErrorIs(err, apperrors.ErrNotEligible)

	// The record is no longer claimable through its other key either
	_, err = s.store.Claim(s.ctx, FactoryDataKey(testFactory), "device")
	s.ErrorIs(err, apperrors.ErrNotEligible)

	ok, err := s.store.CanBeActivated(s.ctx, SerialKey(testSerial))
	s.Require().NoError(err)
	s.False(ok)
}

func (s *StoreContractSuite) TestClaimWithoutRecord() {
	_, err := s.store.Claim(s.ctx, SerialKey(testSerial), "device")
	s.ErrorIs(err, apperrors.ErrNotEligible)
	s.Equal(apperrors.KindNotEligible, apperrors.KindOf(err))
}

func (s *StoreContractSuite) TestClaimByFactoryDataID() {
	s.provisionReady("", testFactory)

	claimed, err := s.store.Claim(s.ctx, FactoryDataKey(testFactory), "device")
	s.Require().NoError(err)
	s.Equal(testFactory, claimed.FactoryDataID)
}

func (s *StoreContractSuite) TestReprovisionAfterClaim() {
	first := s.provisionReady(testSerial, "")
	_, err := s.store.Claim(s.ctx, SerialKey(testSerial), "device")
	s.Require().NoError(err)

	second := s.provisionReady(testSerial, "")
	claimed, err := s.store.Claim(s.ctx, SerialKey(testSerial), "device")
	s.Require().NoError(err)
	s.Equal(second.ID, claimed.ID)
	s.NotEqual(first.ID, claimed.ID)
}

func (s *StoreContractSuite) TestDisableIsIdempotent() {
	rec := s.provisionReady(testSerial, testFactory)

	disabled, err := s.store.Disable(s.ctx, rec.ID, "operator")
	s.Require().NoError(err)
	s.Equal(StateDisabled, disabled.State)
	s.Equal("operator", disabled.DisabledBy)
	firstDisabledAt := disabled.DisabledAt
	s.False(firstDisabledAt.IsZero())

	again, err := s.store.Disable(s.ctx, rec.ID, "someone-else")
	s.Require().NoError(err)
	s.Equal(StateDisabled, again.State)
	s.Equal("operator", again.DisabledBy)
	s.True(firstDisabledAt.Equal(again.DisabledAt))

	_, err = s.store.Claim(s.ctx, SerialKey(testSerial), "device")
	s.ErrorIs(err, apperrors.ErrNotEligible)
}

func (s *StoreContractSuite) TestDisableLeavesClaimedRecord() {
	rec := s.provisionReady(testSerial, "")
	_, err := s.store.Claim(s.ctx, SerialKey(testSerial), "device")
	s.Require().NoError(err)

	got, err := s.store.Disable(s.ctx, rec.ID, "operator")
	s.Require().NoError(err)
	s.Equal(StateClaimed, got.State)
	s.Empty(got.DisabledBy)
}

func (s *StoreContractSuite) TestDisableUnknownRecord() {
	_, err := s.store.Disable(s.ctx, "00000000-0000-0000-0000-000000000000", "operator")
	s.ErrorIs(err, apperrors.ErrRecordNotFound)
}

func (s *StoreContractSuite) TestDisableByKey() {
	s.provisionReady(testSerial, testFactory)

	n, err := s.store.DisableByKey(s.ctx, FactoryDataKey(testFactory), "operator")
	s.Require().NoError(err)
	s.Equal(1, n)

	n, err = s.store.DisableByKey(s.ctx, SerialKey(testSerial), "operator")
	s.Require().NoError(err)
	s.Equal(0, n)

	ok, err := s.store.CanBeActivated(s.ctx, SerialKey(testSerial))
	s.Require().NoError(err)
	s.False(ok)

	// A fresh ready record can be provisioned once the old one is disabled
	s.provisionReady(testSerial, testFactory)
}

func (s *StoreContractSuite) TestGetAndListByKey() {
	first := s.provisionReady(testSerial, "")
	_, err := s.store.Claim(s.ctx, SerialKey(testSerial), "device")
	s.Require().NoError(err)
	second := s.provisionReady(testSerial, "")
	s.provisionReady("523749811223667", "")

	got, err := s.store.Get(s.ctx, first.ID)
	s.Require().NoError(err)
	s.Equal(StateClaimed, got.State)
	s.Equal(first.InitiatedAt.UnixNano(), got.InitiatedAt.UnixNano())

	records, err := s.store.ListByKey(s.ctx, SerialKey(testSerial))
	s.Require().NoError(err)
	s.Require().Len(records, 2)
	s.Equal(first.ID, records[0].ID)
	s.Equal(second.ID, records[1].ID)
	s.Equal(StateReady, records[1].State)

	records, err = s.store.ListByKey(s.ctx, FactoryDataKey(testFactory))
	s.Require().NoError(err)
	s.Empty(records)

	_, err = s.store.Get(s.ctx, "missing")
	s.ErrorIs(err, apperrors.ErrRecordNotFound)
}

func (s *StoreContractSuite) TestReturnedRecordsAreCopies() {
	rec := s.provisionReady(testSerial, "")
	rec.State = StateDisabled
	rec.SerialNumber = "tampered"

	got, err := s.store.Get(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(StateReady, got.State)
	s.Equal(testSerial, got.SerialNumber)
}

func TestMemoryStoreContract(t *testing.T) {
	suite.Run(t, &StoreContractSuite{newStore: func(t *testing.T) Store { return NewMemoryStore() }})
}

func TestSQLStoreContract(t *testing.T) {
	suite.Run(t, &StoreContractSuite{newStore: func(t *testing.T) Store { return newSQLiteMemoryStore(t) }})
}

func TestSQLStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "activation.db") + "?_pragma=busy_timeout(5000)"

	store, err := OpenSQLStore(ctx, dsn)
	require.NoError(t, err)
	rec, err := store.Insert(ctx, NewRecord{SerialNumber: testSerial, InitiatedBy: "provisioner", Ready: true})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := OpenSQLStore(ctx, dsn)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Seq, got.Seq)
	assert.Equal(t, StateReady, got.State)

	// The partial unique index survives too
	_, err = reopened.Insert(ctx, NewRecord{SerialNumber: testSerial, Ready: true})
	assert.ErrorIs(t, err, apperrors.ErrAlreadyReady)
}

func TestSQLStoreUniqueIndexBacksConditionalInsert(t *testing.T) {
	store := newSQLiteMemoryStore(t)
	defer store.Close()
	ctx := context.Background()

	_, err := store.Insert(ctx, NewRecord{SerialNumber: testSerial, Ready: true})
	require.NoError(t, err)

	// Bypassing the conditional insert still cannot create a second ready row
	_, err = store.db.ExecContext(ctx, `
		INSERT INTO activation_state (id, serial_number, activation_ready, state, initiated_at)
		VALUES ('manual', ?, 1, 'ready', 1)`, testSerial)
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err))
}

func TestKeyValidateAndString(t *testing.T) {
	assert.NoError(t, SerialKey(testSerial).Validate())
	assert.NoError(t, FactoryDataKey(testFactory).Validate())
	assert.ErrorIs(t, SerialKey("").Validate(), apperrors.ErrInvalidRequest)
	assert.ErrorIs(t, Key{Kind: "vin", Value: "x"}.Validate(), apperrors.ErrInvalidRequest)

	assert.Equal(t, "serial_number=5237****3666", SerialKey(testSerial).String())
	assert.NotContains(t, SerialKey(testSerial).String(), testSerial)
}

func TestTimestampConversion(t *testing.T) {
	assert.Equal(t, int64(0), toUnixNano(fromUnixNano(0)))
	assert.True(t, fromUnixNano(0).IsZero())
	assert.Equal(t, int64(1709294400000000000), toUnixNano(fromUnixNano(1709294400000000000)))
}
