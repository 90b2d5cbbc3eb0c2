package specwatcher

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"
	kafka "github.com/segmentio/kafka-go"

	"github.com/peaceful-james/process-hub/internal/models"
)

// ChildController is the hub surface the watcher drives.
type ChildController interface {
	StartChildren(ctx context.Context, specs []models.ChildSpec) ([]models.StartResult, error)
	StopChildren(ctx context.Context, cids []models.ChildID) error
}

// SpecUpdateWatcher consumes the CDC feed of the spec catalog and turns
// inserts and deletes into start/stop commands on the hub.
type SpecUpdateWatcher struct {
	hub       models.HubID
	msgReader *kafka.Reader
	ctrl      ChildController
}

func NewSpecUpdateWatcher(ctx context.Context, hub models.HubID, nodeID string, addr string, topic string, ctrl ChildController) *SpecUpdateWatcher {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{addr},
		Topic:       topic,
		MaxBytes:    10 * 1024 * 1024,
		GroupID:     nodeID,
		StartOffset: kafka.LastOffset,
	})
	return &SpecUpdateWatcher{
		hub:       hub,
		msgReader: reader,
		ctrl:      ctrl,
	}
}

func (w *SpecUpdateWatcher) RunSpecWatcher(ctx context.Context) error {
	for {
		msg, err := w.msgReader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			_ = w.msgReader.CommitMessages(ctx, msg)
			continue
		}
		gomsg := Value[SpecDto]{}
		err = json.Unmarshal(msg.Value, &gomsg)
		if err != nil {
			log.Error().Err(err).Msg("failed to decode message from json")
			_ = w.msgReader.CommitMessages(ctx, msg)
			continue
		}

		err = w.handleSpecEvent(ctx, gomsg)
		if err != nil {
			log.Error().Err(err).Msgf("failed to handle spec event op %s", gomsg.Op)
			continue
		}
		err = w.msgReader.CommitMessages(ctx, msg)
		if err != nil {
			log.Error().Err(err).Msg("failed to commit message: it will doubled")
		}
	}
}

func (w *SpecUpdateWatcher) handleSpecEvent(ctx context.Context, event Value[SpecDto]) error {
	switch event.Op {
	case "c", "r":
		if event.After == nil || models.HubID(event.After.Hub) != w.hub {
			return nil
		}
		spec := models.ChildSpec{
			ID:          models.ChildID(event.After.ChildID),
			StartParams: json.RawMessage(event.After.StartParams),
		}
		log.Info().Msgf("parsed cdc event: start %s", spec.ID)
		results, err := w.ctrl.StartChildren(ctx, []models.ChildSpec{spec})
		if err != nil {
			return err
		}
		for _, result := range results {
			if !result.OK() {
				log.Error().Msgf("cdc start of %s failed: %s", result.Child, result.Err)
			}
		}
		return nil
	case "d":
		if event.Before == nil || models.HubID(event.Before.Hub) != w.hub {
			return nil
		}
		cid := models.ChildID(event.Before.ChildID)
		log.Info().Msgf("parsed cdc event: stop %s", cid)
		return w.ctrl.StopChildren(ctx, []models.ChildID{cid})
	}
	return nil
}

func (w *SpecUpdateWatcher) Close(ctx context.Context) error {
	return w.msgReader.Close()
}
