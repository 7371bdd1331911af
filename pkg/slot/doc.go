/*
Package slot implements resource-slot accounting: the mapping from
named capacity dimensions (cpu, mem, accelerator devices) to exact
decimal quantities offered by agents and consumed by kernels.

Quantities use k8s.io/apimachinery's resource.Quantity, giving exact
arithmetic for both fractional counts (0.5 CPU) and large byte values
(multiple TiB) with no floating-point drift. Componentwise Add, Sub,
and LE treat missing keys as zero, so capacity checks compose across
heterogeneous slot vocabularies.

Every reservation is scoped to a single agent; this package never
allocates across agents.
*/
package slot
