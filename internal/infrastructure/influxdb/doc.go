// Package influxdb records vendor frame telemetry in InfluxDB.
//
// Every Manufacturer Proprietary frame the relay sends or intercepts becomes
// one point in the vendor_frames measurement, tagged with node_id, direction
// and result (success or failure), carrying duration_ms and a count of 1.
// Driver lifecycle transitions go to driver_state. Every point also carries
// the relay_id tag, so dashboards can sum count per relay and node.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB, cfg.Relay.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	sender.AddObserver(client)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// Writes are non-blocking and batched according to batch_size and
// flush_interval; async write failures go to the SetOnError callback
// wrapped in ErrWriteFailed.
package influxdb
