// Package influxdb writes shellpipe statement metrics to InfluxDB v2.
//
// It wraps the official influxdb-client-go library: Connect verifies the
// server with a ping and sets up the non-blocking, batched write API.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteStatementMetric(influxdb.StatementMetric{
//	    Kind:     "query",
//	    Outcome:  "ok",
//	    Duration: 3 * time.Millisecond,
//	})
//
// Batch size and flush interval come from the influxdb config section.
// Write failures are asynchronous and reach the SetOnError callback.
package influxdb
