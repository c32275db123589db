// Package telemetry provides observability for experiment controllers.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and an in-process event publisher.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.ListenAddress = ":9090"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    return err
//	}
//
// # Logging
//
//	logger := tel.Logger.NewComponentLogger("controller").WithExpID(expID)
//	logger.WithGuid(3, "linux::Node").Info("deployed")
//
// # Events
//
// The controller publishes experiment, resource and task events. Subscribers
// receive them in publish order:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Message)
//	}, telemetry.FilterByType(telemetry.EventTypeResourceStateChanged))
//
// # Metrics
//
//   - expctl_tasks_scheduled_total{task}
//   - expctl_tasks_executed_total{task,status}
//   - expctl_tasks_rescheduled_total{action}
//   - expctl_task_duration_seconds{task}
//   - expctl_task_lateness_seconds
//   - expctl_task_queue_depth
//   - expctl_busy_workers
//   - expctl_resource_transitions_total{type,state}
//   - expctl_resources{type,state}
//   - expctl_experiments_started_total
//   - expctl_experiments_finished_total{state}
//   - expctl_experiment_duration_seconds
//   - expctl_errors_by_class_total{class,code}
package telemetry
