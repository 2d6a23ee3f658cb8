package analytics

import (
	"sync"

	"github.com/flowgrid/flowgrid/util"
)

type DataCollectorConfig struct {
	FileName      string
	CollectorType DataCollectorType
}

type DataCollectorType string

const LOG_FILE_DATA_COLLECTOR DataCollectorType = "LOG_FILE_DATA_COLLECTOR"
const NOOP_DATA_COLLECTOR DataCollectorType = "NOOP"

// StepDataCollector records per-step outcomes for offline analysis,
// separate from the operational metrics pipeline.
type StepDataCollector interface {
	RecordStepSuccess(wfName string, executionId string, stepId string, retryCount int, result any)
	RecordStepFailure(wfName string, executionId string, stepId string, retryCount int, reason string)
}

type stepRecord struct {
	success     bool
	wfName      string
	executionId string
	stepId      string
	retryCount  int
	result      any
	reason      string
}

var stepCollector StepDataCollector
var worker *util.Worker
var workerWg sync.WaitGroup

// InitDataCollector configures the process wide collector. Records are
// handed off to a worker so file writes never block the engine loop.
func InitDataCollector(config DataCollectorConfig) error {
	switch config.CollectorType {
	case LOG_FILE_DATA_COLLECTOR:
		c, err := NewLogFileDataCollector(config.FileName)
		if err != nil {
			return err
		}
		stepCollector = c
		worker = util.NewWorker("analytics-collector", &workerWg, handleRecord, 256)
		worker.Start()
	}
	return nil
}

func handleRecord(task util.Task) error {
	r := task.(stepRecord)
	if r.success {
		stepCollector.RecordStepSuccess(r.wfName, r.executionId, r.stepId, r.retryCount, r.result)
	} else {
		stepCollector.RecordStepFailure(r.wfName, r.executionId, r.stepId, r.retryCount, r.reason)
	}
	return nil
}

func RecordStepSuccess(wfName string, executionId string, stepId string, retryCount int, result any) {
	if worker == nil {
		return
	}
	worker.Sender() <- stepRecord{success: true, wfName: wfName, executionId: executionId, stepId: stepId, retryCount: retryCount, result: result}
}

func RecordStepFailure(wfName string, executionId string, stepId string, retryCount int, reason string) {
	if worker == nil {
		return
	}
	worker.Sender() <- stepRecord{success: false, wfName: wfName, executionId: executionId, stepId: stepId, retryCount: retryCount, reason: reason}
}

func Stop() {
	if worker == nil {
		return
	}
	worker.Stop()
	workerWg.Wait()
}
