package redis

// All keys are prefixed with "dagflow:" to avoid collisions.
const keyPrefix = "dagflow:"

// workflowKey holds the workflow record as JSON: dagflow:workflow:{id}
func workflowKey(id string) string { return keyPrefix + "workflow:" + id }

// jobsKey is the Hash of job name to job JSON: dagflow:jobs:{workflowID}
func jobsKey(workflowID string) string { return keyPrefix + "jobs:" + workflowID }

// queueKey is the List of ready deliveries: dagflow:queue:{name}
func queueKey(name string) string { return keyPrefix + "queue:" + name }

// delayedKey is the Sorted Set of deliveries scored by due time in
// milliseconds: dagflow:delayed:{name}
func delayedKey(name string) string { return keyPrefix + "delayed:" + name }

// lockKey guards one lock name: dagflow:lock:{key}
func lockKey(key string) string { return keyPrefix + "lock:" + key }
