/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package flowpeer keeps track of the exporters a NetFlow/IPFIX collector talks to. It stores
per-peer counters, the sources (NetFlow v9 source ids, IPFIX observation domains) of every peer and
the templates each source has announced, so that data sets can be matched with their template.

All three levels are bounded and evict the least recently used entry when full. Evicting a peer
drops its sources, and evicting a source drops its templates. Using a template also counts as using
its source and its peer, so exporters that are in active use are not evicted in favor of idle ones.

Cache wraps the tables with a single lock and is what collectors should use:

	cache, err := flowpeer.NewCache(flowpeer.DefaultConfig)
	if err != nil {
		return err
	}
	decoder := flowpeer.NewDecoder(cache)

	msg, err := decoder.Decode(ctx, peer, payload)

The Decoder understands NetFlow v1, v5, v7, v9 and IPFIX headers. For v9 and IPFIX it learns
templates and withdrawals and counts the records of data sets. Field values are not decoded.

# Collecting

Collector binds a UDP socket, feeds every packet through a Decoder, and optionally serves the
peer table and prometheus metrics over HTTP. The cmd/flowpeerd binary wraps it, and can also
replay pcap captures into a fresh cache.
*/
package flowpeer
