package document

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"

	"docflow/pkg/platform/sentinel"
)

// PostgresStoreSuite runs the Store contract against a real database so the
// SQL itself is exercised, not just the contract. It needs a disposable
// postgres reachable via DOCFLOW_TEST_DATABASE_DSN and skips without one.
type PostgresStoreSuite struct {
	suite.Suite
	pool  *pgxpool.Pool
	store *PostgresStore
	ctx   context.Context
}

func TestPostgresStoreSuite(t *testing.T) {
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	dsn := os.Getenv("DOCFLOW_TEST_DATABASE_DSN")
	if dsn == "" {
		s.T().Skip("DOCFLOW_TEST_DATABASE_DSN not set")
	}
	s.ctx = context.Background()

	pool, err := pgxpool.New(s.ctx, dsn)
	s.Require().NoError(err)
	s.pool = pool

	for _, stmt := range strings.Split(Schema(), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		_, err := pool.Exec(s.ctx, stmt)
		s.Require().NoError(err)
	}
	s.store = NewPostgresStore(pool)
}

func (s *PostgresStoreSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStoreSuite) SetupTest() {
	_, err := s.pool.Exec(s.ctx, `TRUNCATE documents`)
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) newActa(state string) *Document {
	doc := &Document{
		ID:      uuid.New(),
		DocType: "acta",
		Title:   "Acta de examen",
		State:   LifecycleState{Name: state, MaxMinutes: 90},
		Metadata: map[string]string{
			"metadata.acta_docente_asignado": "docente@ucasal.edu.ar",
		},
		Features: map[string]string{},
		Binary:   []byte("%PDF-1.4"),
	}
	s.Require().NoError(s.store.Create(s.ctx, doc))
	return doc
}

func (s *PostgresStoreSuite) TestCreateGetRoundTrip() {
	doc := s.newActa("Recibida")

	got, err := s.store.Get(s.ctx, doc.ID)
	s.Require().NoError(err)
	s.Equal(doc.ID, got.ID)
	s.Equal("acta", got.DocType)
	s.Equal("Recibida", got.State.Name)
	s.Equal(90, got.State.MaxMinutes)
	s.Equal([]byte("%PDF-1.4"), got.Binary)
	v, ok := got.MetadataValue("metadata.acta_docente_asignado")
	s.True(ok)
	s.Equal("docente@ucasal.edu.ar", v)
	s.False(got.StateChangedAt.IsZero())
	s.False(got.CreatedAt.IsZero())
}

func (s *PostgresStoreSuite) TestGetUnknownReturnsNotFound() {
	_, err := s.store.Get(s.ctx, uuid.New())
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestMetadataRoundTrip() {
	doc := s.newActa("Recibida")

	s.Run("set then get returns the value", func() {
		s.Require().NoError(s.store.SetMetadata(s.ctx, doc.ID, "metadata.x", "v", true))
		got, err := s.store.Get(s.ctx, doc.ID)
		s.Require().NoError(err)
		v, ok := got.MetadataValue("metadata.x")
		s.True(ok)
		s.Equal("v", v)
	})

	s.Run("legacy None sentinel reads as absent", func() {
		s.Require().NoError(s.store.SetMetadata(s.ctx, doc.ID, "metadata.legacy", "None", true))
		got, err := s.store.Get(s.ctx, doc.ID)
		s.Require().NoError(err)
		_, ok := got.MetadataValue("metadata.legacy")
		s.False(ok)
	})

	s.Run("no-overwrite flag keeps the first value", func() {
		s.Require().NoError(s.store.SetMetadata(s.ctx, doc.ID, "metadata.once", "first", true))
		s.Require().NoError(s.store.SetMetadata(s.ctx, doc.ID, "metadata.once", "second", false))
		got, err := s.store.Get(s.ctx, doc.ID)
		s.Require().NoError(err)
		v, _ := got.MetadataValue("metadata.once")
		s.Equal("first", v)
	})
}

func (s *PostgresStoreSuite) TestFeatureRoundTrip() {
	doc := s.newActa("Pendiente Firma OTP")
	s.Require().NoError(s.store.SetFeature(s.ctx, doc.ID, "firmada.con.OTP", "1"))
	got, err := s.store.Get(s.ctx, doc.ID)
	s.Require().NoError(err)
	v, ok := got.FeatureValue("firmada.con.OTP")
	s.True(ok)
	s.Equal("1", v)
}

func (s *PostgresStoreSuite) TestChangeStateCompareAndSwap() {
	doc := s.newActa("Pendiente Firma OTP")

	err := s.store.ChangeState(s.ctx, doc.ID, []string{"Pendiente Firma OTP", "Fallo en Blockchain"},
		LifecycleState{Name: "Pendiente Blockchain", MaxMinutes: 30})
	s.Require().NoError(err)

	got, err := s.store.Get(s.ctx, doc.ID)
	s.Require().NoError(err)
	s.Equal("Pendiente Blockchain", got.State.Name)
	s.Equal(30, got.State.MaxMinutes)

	err = s.store.ChangeState(s.ctx, doc.ID, []string{"Pendiente Firma OTP"},
		LifecycleState{Name: "Firmada"})
	s.Require().ErrorIs(err, sentinel.ErrStateMismatch)

	err = s.store.ChangeState(s.ctx, uuid.New(), nil, LifecycleState{Name: "Firmada"})
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestExecuteIsAtomicAndStampsOnTransition() {
	doc := s.newActa("Pendiente Firma OTP")

	got, err := s.store.Execute(s.ctx, doc.ID,
		func(d *Document) error {
			s.Equal("Pendiente Firma OTP", d.State.Name)
			return nil
		},
		func(d *Document) {
			d.State = LifecycleState{Name: "Rechazada"}
			d.Removed = true
			d.Metadata["metadata.acta_motivo_rechazo"] = "datos incorrectos"
		},
	)
	s.Require().NoError(err)
	s.Equal("Rechazada", got.State.Name)
	s.True(got.Removed)
	v, _ := got.MetadataValue("metadata.acta_motivo_rechazo")
	s.Equal("datos incorrectos", v)
}

func (s *PostgresStoreSuite) TestExecuteValidationFailureLeavesDocumentUntouched() {
	doc := s.newActa("Pendiente Firma OTP")

	wantErr := sentinel.ErrStateMismatch
	_, err := s.store.Execute(s.ctx, doc.ID,
		func(d *Document) error { return wantErr },
		func(d *Document) { d.Removed = true },
	)
	s.Require().ErrorIs(err, wantErr)

	got, err := s.store.Get(s.ctx, doc.ID)
	s.Require().NoError(err)
	s.False(got.Removed)
}

func (s *PostgresStoreSuite) TestReplaceBinary() {
	doc := s.newActa("Pendiente Firma OTP")
	s.Require().NoError(s.store.ReplaceBinary(s.ctx, doc.ID, []byte("%PDF-1.4 signed"), "acta.pdf"))
	got, err := s.store.Get(s.ctx, doc.ID)
	s.Require().NoError(err)
	s.Equal([]byte("%PDF-1.4 signed"), got.Binary)
	s.Equal("acta.pdf", got.BinaryFilename)
}

func (s *PostgresStoreSuite) TestListByStateFiltersRemovedAndSeries() {
	a := s.newActa("Pendiente Firma OTP")
	b := s.newActa("Pendiente Firma OTP")
	s.Require().NoError(s.store.MoveToSeries(s.ctx, b.ID, "actas_revisadas"))
	removed := s.newActa("Pendiente Firma OTP")
	s.Require().NoError(s.store.MarkRemoved(s.ctx, removed.ID))
	s.newActa("Firmada")

	got, err := s.store.ListByState(s.ctx, "acta", "Pendiente Firma OTP", []string{"actas_revisadas"})
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(a.ID, got[0].ID)
}
