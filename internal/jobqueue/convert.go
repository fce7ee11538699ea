package jobqueue

import "github.com/arlenhart/pgqueue/internal/jobqueue/store"

func fromStoreJob(sj *store.Job) *Job {
	if sj == nil {
		return nil
	}
	return &Job{
		ID:                   sj.ID,
		UID:                  sj.UID,
		Type:                 sj.Type,
		Payload:              sj.Payload,
		Result:               sj.Result,
		Status:               Status(sj.Status),
		Attempts:             sj.Attempts,
		MaxAttempts:          sj.MaxAttempts,
		BackoffStrategy:      BackoffStrategy(sj.BackoffStrategy),
		MaxAttemptDurationMS: sj.MaxAttemptDurationMS,
		CreatedAt:            sj.CreatedAt,
		UpdatedAt:            sj.UpdatedAt,
		RunAt:                sj.RunAt,
		StartedAt:            sj.StartedAt,
		CompletedAt:          sj.CompletedAt,
	}
}

func fromStoreAttempt(sa *store.JobAttempt) *JobAttempt {
	if sa == nil {
		return nil
	}
	status := AttemptStatus("")
	if sa.Status != nil {
		status = AttemptStatus(*sa.Status)
	}
	return &JobAttempt{
		ID:            sa.ID,
		JobID:         sa.JobID,
		AttemptNumber: sa.AttemptNumber,
		StartedAt:     sa.StartedAt,
		CompletedAt:   sa.CompletedAt,
		Status:        status,
		ErrorMessage:  sa.ErrorMessage,
		ErrorDetails:  sa.ErrorDetails,
	}
}

func fromStoreAttempts(in []*store.JobAttempt) []*JobAttempt {
	out := make([]*JobAttempt, len(in))
	for i, a := range in {
		out[i] = fromStoreAttempt(a)
	}
	return out
}
