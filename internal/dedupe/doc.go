// Package dedupe tracks delivered message IDs in a time-bounded set so
// consumers of at-least-once event streams can drop redeliveries.
package dedupe
