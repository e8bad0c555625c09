package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"impact-donations/pkg/config"
	"impact-donations/pkg/errutil"
	"impact-donations/pkg/featureflags"
	"impact-donations/pkg/logger"
	"impact-donations/pkg/repository"
	"impact-donations/pkg/task"
	"impact-donations/pkg/taskname"
	"impact-donations/services/catalog"
	"impact-donations/services/donation"
	"impact-donations/services/identity"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("impact-donations/services/receipt")

const (
	ReasonReceiptNotReady = "RECEIPT_NOT_READY"
	ReasonNoContact       = "NO_CONTACT_ADDRESS"

	requeueLimit = 500
	urlTTL       = 15 * time.Minute
)

var ErrReceiptNotReady = errutil.BaseError{Code: errutil.StatusNotFound, Reason: ReasonReceiptNotReady}

// Service delivers donation receipts from the outbox. It runs outside the
// payment path; nothing here can fail a donation.
type Service struct {
	db        *gorm.DB
	cfg       *config.Config
	flags     featureflags.FeatureFlag
	mailer    Mailer
	archive   Archive
	donations *donation.Service
	donors    *identity.Service
	catalog   *catalog.Service
	enqueuer  task.Enqueuer
	now       func() time.Time

	notifications repository.Repository[donation.ReceiptNotification]
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Config    *config.Config
	Flags     featureflags.FeatureFlag
	Mailer    Mailer
	Archive   Archive
	Donations *donation.Service
	Donors    *identity.Service
	Catalog   *catalog.Service
	Enqueuer  task.Enqueuer `optional:"true"`
}

func NewService(p Params) *Service {
	return &Service{
		db:            p.DB,
		cfg:           p.Config,
		flags:         p.Flags,
		mailer:        p.Mailer,
		archive:       p.Archive,
		donations:     p.Donations,
		donors:        p.Donors,
		catalog:       p.Catalog,
		enqueuer:      p.Enqueuer,
		now:           time.Now,
		notifications: repository.ProvideStore[donation.ReceiptNotification](p.DB),
	}
}

func (s *Service) maxAttempts() int {
	if s.cfg.Receipt.MaxRetry < 0 {
		return 1
	}
	return s.cfg.Receipt.MaxRetry + 1
}

// Deliver renders, archives and mails the receipt for one outbox row. Rows
// already sent or dead are left alone. A failure is recorded on the row; once
// the attempt budget is spent, or the failure cannot heal by retrying, the row
// is marked dead and the returned error wraps asynq.SkipRetry.
func (s *Service) Deliver(ctx context.Context, notificationID string) error {
	ctx, span := tracer.Start(ctx, "receipt.Deliver")
	defer span.End()
	span.SetAttributes(attribute.String("notification_id", notificationID))

	zapLog := logger.FromContext(ctx).With(zap.String("notification_id", notificationID))

	n, err := s.notifications.FindOne(ctx, &donation.ReceiptNotification{ID: notificationID})
	if err != nil {
		return errutil.ServiceUnavailable("failed to load receipt notification", err)
	}
	if n == nil {
		zapLog.Warn("receipt notification not found")
		return fmt.Errorf("%w: %w", errutil.NotFound("receipt notification not found", nil), asynq.SkipRetry)
	}
	if n.Status == donation.ReceiptStatusSent || n.Status == donation.ReceiptStatusDead {
		deliveryTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	details, err := s.donations.Details(ctx, n.DonationID)
	if err != nil {
		return s.fail(ctx, n, "", err)
	}
	if !s.flags.Enabled(ctx, details.Donation.DonorID, featureflags.ReceiptDelivery, true) {
		// Left pending; the requeue sweep picks it up once the flag is back on.
		deliveryTotal.WithLabelValues("paused").Inc()
		zapLog.Info("receipt delivery paused by feature flag")
		return nil
	}

	var (
		donor        *identity.Donor
		campaignName string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d, err := s.donors.Lookup(gctx, details.Donation.DonorID)
		donor = d
		return err
	})
	g.Go(func() error {
		campaignName = s.campaignName(gctx, details.Donation.CampaignID)
		return nil
	})
	if err := g.Wait(); err != nil {
		return s.fail(ctx, n, "", err)
	}
	to := donor.ContactAddress()
	if to == "" {
		return s.fail(ctx, n, "", errutil.UnprocessableEntity("donor has no contact address", nil, errutil.WithReason(ReasonNoContact)))
	}

	doc := Document{
		Details:      details,
		DonorName:    donor.DisplayName,
		CampaignName: campaignName,
		IssuedAt:     s.now(),
	}
	pdf, err := Render(doc)
	if err != nil {
		return s.fail(ctx, n, "", errutil.Internal("failed to render receipt", err))
	}

	// Archive, then mail. An attempt that fails before Send has mailed nothing.
	key := n.ObjectKey
	if key == "" {
		if key, err = s.archive.Put(ctx, n.DonationID, pdf); err != nil {
			return s.fail(ctx, n, "", err)
		}
		if err := s.db.WithContext(ctx).Model(&donation.ReceiptNotification{}).
			Where("id = ?", n.ID).Update("object_key", key).Error; err != nil {
			zapLog.Warn("archived receipt key not saved", zap.String("object_key", key), zap.Error(err))
		}
	}

	err = s.mailer.Send(ctx, Message{
		To:             to,
		Subject:        "Your donation receipt " + details.Donation.ReceiptNumber,
		Body:           fmt.Sprintf("Dear %s,\n\nThank you for your donation of %s %s to %s.\nYour receipt is attached.\n", donor.DisplayName, details.Donation.Currency, details.Donation.Amount.StringFixed(2), campaignName),
		AttachmentName: details.Donation.ReceiptNumber + ".pdf",
		Attachment:     pdf,
	})
	if err != nil {
		return s.fail(ctx, n, key, err)
	}

	sentAt := s.now()
	err = s.db.WithContext(ctx).Model(&donation.ReceiptNotification{}).
		Where("id = ?", n.ID).
		Updates(map[string]any{
			"status":     donation.ReceiptStatusSent,
			"attempts":   n.Attempts + 1,
			"object_key": key,
			"last_error": "",
			"sent_at":    sentAt,
		}).Error
	if err != nil {
		zapLog.Error("receipt sent but status not saved", zap.Error(err))
		return errutil.ServiceUnavailable("failed to save receipt status", err)
	}

	deliveryTotal.WithLabelValues("sent").Inc()
	zapLog.Info("receipt sent",
		zap.String("donation_id", n.DonationID),
		zap.String("receipt_number", details.Donation.ReceiptNumber))
	return nil
}

// fail records a failed attempt. key keeps an archived object so the next
// attempt does not upload it again.
func (s *Service) fail(ctx context.Context, n *donation.ReceiptNotification, key string, cause error) error {
	attempts := n.Attempts + 1
	dead := attempts >= s.maxAttempts() || !errutil.IsRetryable(cause)

	status := donation.ReceiptStatusFailed
	if dead {
		status = donation.ReceiptStatusDead
	}
	updates := map[string]any{
		"status":     status,
		"attempts":   attempts,
		"last_error": cause.Error(),
	}
	if key != "" {
		updates["object_key"] = key
	}

	zapLog := logger.FromContext(ctx).With(
		zap.String("notification_id", n.ID),
		zap.Int("attempts", attempts),
		zap.Error(cause))
	if err := s.db.WithContext(ctx).Model(&donation.ReceiptNotification{}).Where("id = ?", n.ID).Updates(updates).Error; err != nil {
		zapLog.Error("failed to record receipt failure", zap.NamedError("store_error", err))
	}

	if dead {
		deliveryTotal.WithLabelValues("dead").Inc()
		zapLog.Error("receipt delivery abandoned")
		return fmt.Errorf("%w: %w", cause, asynq.SkipRetry)
	}
	deliveryTotal.WithLabelValues("failed").Inc()
	zapLog.Warn("receipt delivery failed")
	return cause
}

func (s *Service) campaignName(ctx context.Context, campaignID string) string {
	c, err := s.catalog.GetCampaign(ctx, campaignID)
	if err != nil {
		return campaignID
	}
	return c.Name
}

// RequeueStale re-enqueues rows that have been pending or failed for longer
// than RECEIPT.STALE_AFTER. It returns how many rows were handed over.
func (s *Service) RequeueStale(ctx context.Context) (int, error) {
	if s.enqueuer == nil {
		return 0, errutil.ServiceUnavailable("task queue unavailable", nil)
	}
	cutoff := s.now().Add(-s.cfg.Receipt.StaleAfter)

	var ids []string
	err := s.db.WithContext(ctx).Model(&donation.ReceiptNotification{}).
		Where("status IN ? AND updated_at < ?", []donation.ReceiptStatus{donation.ReceiptStatusPending, donation.ReceiptStatusFailed}, cutoff).
		Order("updated_at ASC").
		Limit(requeueLimit).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, errutil.ServiceUnavailable("failed to list stale receipts", err)
	}

	var (
		n    int
		errs []error
	)
	for _, id := range ids {
		if err := donation.EnqueueReceipt(ctx, s.cfg, s.enqueuer, id); err != nil {
			zap.L().Warn("failed to requeue receipt", zap.String("notification_id", id), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		n++
	}
	requeuedTotal.Add(float64(n))
	if n > 0 {
		zap.L().Info("stale receipts requeued", zap.Int("count", n))
	}
	return n, errors.Join(errs...)
}

// OnDeadLetter marks the row dead once asynq gives up on its task.
func (s *Service) OnDeadLetter(ctx context.Context, t *asynq.Task, cause error) {
	if t.Type() != taskname.ReceiptSend {
		return
	}
	var payload donation.ReceiptTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		zap.L().Error("invalid receipt task payload", zap.Error(err))
		return
	}

	msg := "retries exhausted"
	if cause != nil {
		msg = cause.Error()
	}
	err := s.db.WithContext(ctx).Model(&donation.ReceiptNotification{}).
		Where("id = ? AND status <> ?", payload.NotificationID, donation.ReceiptStatusSent).
		Updates(map[string]any{"status": donation.ReceiptStatusDead, "last_error": msg}).Error
	if err != nil {
		zap.L().Error("failed to dead-letter receipt", zap.String("notification_id", payload.NotificationID), zap.Error(err))
		return
	}
	zap.L().Warn("receipt dead-lettered", zap.String("notification_id", payload.NotificationID))
}

// URL returns a short-lived link to the archived receipt of a donor's
// donation.
func (s *Service) URL(ctx context.Context, donorID, donationID string) (string, error) {
	if _, err := s.donations.GetDonation(ctx, donorID, donationID); err != nil {
		return "", err
	}
	n, err := s.notifications.FindOne(ctx, &donation.ReceiptNotification{DonationID: donationID})
	if err != nil {
		return "", errutil.ServiceUnavailable("failed to load receipt", err)
	}
	if n == nil || n.ObjectKey == "" {
		return "", errutil.NotFound("receipt not ready", nil, errutil.WithReason(ReasonReceiptNotReady))
	}
	return s.archive.URL(ctx, n.ObjectKey, urlTTL)
}

// HandleReceiptSend is the asynq handler for taskname.ReceiptSend.
func (s *Service) HandleReceiptSend(ctx context.Context, t *asynq.Task) error {
	var payload donation.ReceiptTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	return s.Deliver(ctx, payload.NotificationID)
}
