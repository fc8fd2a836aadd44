package app

import (
	"context"
	"errors"

	"entsoe-watch/internal/timeslot"
)

// Notify sends the plan for a delivery day through the configured channels.
func (a *App) Notify(ctx context.Context, d timeslot.Date) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}
	if a.newNotifier() == nil {
		return errors.New("no notification channel configured")
	}

	date, err := a.resolveDate(d)
	if err != nil {
		return err
	}
	svc, closeStore, err := a.newService(ctx, nil)
	if err != nil {
		return err
	}
	defer closeStore()

	return svc.NotifyPlan(ctx, date)
}
