package pipeline

import (
	"context"
	"errors"

	"github.com/cwmaguire/screenshot-mcp/internal/analysis"
	"github.com/cwmaguire/screenshot-mcp/internal/quota"
)

// Sample answers a free-form conversation. Each call reserves one unit of the
// daily analysis quota before contacting the provider and, unlike Run, any
// quota or provider failure is fatal.
func (o *Orchestrator) Sample(ctx context.Context, conv analysis.Conversation) (*analysis.Completion, error) {
	if o.sampler == nil {
		return nil, &Error{Kind: KindInternal, Stage: StageAnalysis, Message: "sampling is not configured"}
	}
	if err := conv.Validate(); err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Stage: StageValidate, Message: err.Error(), Err: err}
	}

	d, err := o.limiter.CheckAndReserve(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindInternal, Stage: StageQuota, Message: "request cancelled", Err: err}
		}
		return nil, internalError(StageQuota, err)
	}
	if !d.Allowed {
		return nil, quotaError(StageQuota, d)
	}

	stageCtx, cancel := context.WithTimeout(ctx, o.timeouts.Analysis)
	defer cancel()

	log := o.log.WithField("stage", "sampling")
	out, err := o.sampler.Complete(stageCtx, conv)
	switch {
	case err == nil:
		log.WithField("stop_reason", out.StopReason).Debug("sampling complete")
		return out, nil
	case errors.Is(err, analysis.ErrQuotaExhausted):
		if merr := o.limiter.MarkExhausted(context.WithoutCancel(ctx)); merr != nil {
			log.WithError(merr).Error("failed to record provider exhaustion")
		}
		info := quotaInfo(d)
		info.Remaining = 0
		info.Reason = quota.ReasonExhausted
		return nil, &Error{
			Kind:    KindQuotaExceeded,
			Stage:   StageAnalysis,
			Message: "analysis provider quota exhausted",
			Quota:   &info,
			Err:     err,
		}
	default:
		log.WithError(err).Warn("sampling failed")
		return nil, stageError(KindAnalysisFailed, StageAnalysis, "completion failed", err)
	}
}
