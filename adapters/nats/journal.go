package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/riker-rs/riker-cqrs/core/journal"
)

const defaultSubjectPrefix = "cqrs.journal"

// JournalConfig configures a JetStream-backed Journal.
type JournalConfig struct {
	Connect       Connector    // Connect creates the underlying NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	StreamName    string       // StreamName of the backing stream (default: CQRS_JOURNAL)
	SubjectPrefix string       // SubjectPrefix under which entries are published (default: cqrs.journal)
}

// Journal persists entity event streams in one JetStream stream with a
// subject per entity. Conflict detection is atomic: every publish carries an
// expected last-subject-sequence, so a concurrent writer makes the server
// reject the append. Multi-entry appends publish one message per entry; if
// one fails partway the already published prefix stays in the stream, which
// the Journal contract permits.
type Journal struct {
	nc            *natsgo.Conn
	closeNc       closeFunc
	js            jetstream.JetStream
	stream        jetstream.Stream
	log           *slog.Logger
	subjectPrefix string
	streamName    string
}

var _ journal.Journal = (*Journal)(nil)

func NewJournal(cfg JournalConfig) (*Journal, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNatsCon, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNatsCon()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = "CQRS_JOURNAL"
	}

	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}

	log = log.With(
		slog.String("journal", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subject_prefix", subjectPrefix),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
		FirstSeq: 1,
	})
	if err != nil {
		closeNatsCon()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	log.Debug("journal stream ready")

	return &Journal{
		nc:            nc,
		closeNc:       closeNatsCon,
		js:            js,
		stream:        stream,
		log:           log,
		subjectPrefix: subjectPrefix,
		streamName:    streamName,
	}, nil
}

func (j *Journal) Close() error {
	j.js.CleanupPublisher()
	j.closeNc()
	j.log.Debug("journal closed")
	return nil
}

func (j *Journal) subjectFor(entityType, entityID string) string {
	return j.subjectPrefix + "." + entityType + "." + entityID
}

// head returns the last entry on the entity's subject along with its stream
// sequence, or (nil, 0, nil) for an empty stream.
func (j *Journal) head(ctx context.Context, entityType, entityID string) (*journal.Entry, uint64, error) {
	subject := j.subjectFor(entityType, entityID)
	lm, err := j.stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("get last message for %q: %w", subject, err)
	}
	var e journal.Entry
	if err := json.Unmarshal(lm.Data, &e); err != nil {
		return nil, 0, fmt.Errorf("unmarshal last message for %q: %w", subject, err)
	}
	return &e, lm.Sequence, nil
}

func (j *Journal) Append(ctx context.Context, entityType, entityID string, expectedSeq uint64, entries []journal.Entry) (uint64, error) {
	if len(entries) == 0 {
		return 0, journal.ErrNoEntries
	}
	if entityType == "" {
		return 0, errors.New("entity type is empty")
	}
	if entityID == "" {
		return 0, errors.New("entity id is empty")
	}
	for i := range entries {
		if err := entries[i].Validate(); err != nil {
			return 0, fmt.Errorf("entry %d: %w", i, err)
		}
		if entries[i].Seq != expectedSeq+uint64(i)+1 {
			return 0, fmt.Errorf("entry %d: seq %d does not continue expected %d", i, entries[i].Seq, expectedSeq)
		}
	}

	headEntry, headStreamSeq, err := j.head(ctx, entityType, entityID)
	if err != nil {
		return 0, err
	}
	var headSeq uint64
	if headEntry != nil {
		headSeq = headEntry.Seq
	}
	if headSeq != expectedSeq {
		return 0, fmt.Errorf("%w: entity_type=%s entity_id=%s expected_seq=%d head_seq=%d",
			journal.ErrConflict, entityType, entityID, expectedSeq, headSeq)
	}

	subject := j.subjectFor(entityType, entityID)
	lastStreamSeq := headStreamSeq
	var lastSeq uint64
	for i := range entries {
		data, merr := json.Marshal(&entries[i])
		if merr != nil {
			return 0, merr
		}
		msg := natsgo.NewMsg(subject)
		msg.Header.Set("x-entry-type", entries[i].Type)
		msg.Data = data

		// the expected last-subject-sequence makes the head check atomic: a
		// racing writer moved the subject head and the server rejects us
		ack, perr := j.js.PublishMsg(ctx, msg,
			jetstream.WithMsgID(entries[i].ID),
			jetstream.WithExpectLastSequencePerSubject(lastStreamSeq),
		)
		if perr != nil {
			if isWrongLastSequence(perr) {
				return 0, fmt.Errorf("%w: entity_type=%s entity_id=%s expected_seq=%d: %v",
					journal.ErrConflict, entityType, entityID, expectedSeq, perr)
			}
			return 0, fmt.Errorf("publish to %s: %w", subject, perr)
		}
		lastStreamSeq = ack.Sequence
		lastSeq = entries[i].Seq
	}
	return lastSeq, nil
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}

func (j *Journal) Load(ctx context.Context, entityType, entityID string, opts ...journal.LoadOption) ([]journal.Entry, error) {
	if entityType == "" {
		return nil, errors.New("entity type is empty")
	}
	if entityID == "" {
		return nil, errors.New("entity id is empty")
	}
	afterSeq := journal.AfterSeq(opts...)

	startAt := time.Now()

	headEntry, headStreamSeq, err := j.head(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	if headEntry == nil || headEntry.Seq <= afterSeq {
		return nil, nil
	}

	subject := j.subjectFor(entityType, entityID)
	cc, err := j.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{subject},
	})
	if err != nil {
		return nil, err
	}

	var entries []journal.Entry
outer:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		mb, ferr := cc.FetchNoWait(100)
		if ferr != nil {
			return nil, ferr
		}

		empty := true
		for msg := range mb.Messages() {
			empty = false
			md, merr := msg.Metadata()
			if merr != nil {
				return nil, merr
			}
			var e journal.Entry
			if uerr := json.Unmarshal(msg.Data(), &e); uerr != nil {
				return nil, fmt.Errorf("unmarshal entry: %w", uerr)
			}
			if e.Seq > afterSeq {
				entries = append(entries, e)
			}
			if md.Sequence.Stream >= headStreamSeq {
				break outer
			}
		}
		if err := mb.Error(); err != nil {
			return nil, err
		}
		if empty {
			break
		}
	}

	if err := journal.CheckContiguous(entries, afterSeq); err != nil {
		return nil, err
	}

	j.log.Debug("loaded entries",
		slog.Group("entity",
			slog.String("type", entityType),
			slog.String("id", entityID),
		),
		slog.Uint64("after_seq", afterSeq),
		slog.Int("count", len(entries)),
		slog.Duration("duration", time.Since(startAt)),
	)
	return entries, nil
}
